package clinic

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DefaultTimezone is used when a tenant has not configured one.
const DefaultTimezone = "America/Sao_Paulo"

// NoHoursMessage is returned when a tenant has every weekday disabled.
const NoHoursMessage = "Olá! No momento não estamos atendendo por aqui. Deixe sua mensagem que nossa equipe retornará assim que possível."

const closedMessageFormat = "Olá! No momento estamos fora do horário de atendimento. Retornaremos %s. Deixe sua mensagem que responderemos assim que possível."

// DaySchedule is the opening window for one weekday.
type DaySchedule struct {
	Enabled bool   `json:"enabled"`
	Start   string `json:"start"` // "08:00"
	End     string `json:"end"`   // "18:00"
}

// BusinessHours maps weekdays to their schedules. A nil day is closed.
type BusinessHours struct {
	Monday    *DaySchedule `json:"monday,omitempty"`
	Tuesday   *DaySchedule `json:"tuesday,omitempty"`
	Wednesday *DaySchedule `json:"wednesday,omitempty"`
	Thursday  *DaySchedule `json:"thursday,omitempty"`
	Friday    *DaySchedule `json:"friday,omitempty"`
	Saturday  *DaySchedule `json:"saturday,omitempty"`
	Sunday    *DaySchedule `json:"sunday,omitempty"`
}

// Status is the result of evaluating business hours at an instant.
type Status struct {
	IsOpen bool
	// Message is the customer-facing fallback when closed.
	Message string
	// NextOpen is the start of the next window; zero when unknown.
	NextOpen time.Time
	// NextOpenText is the Portuguese phrase describing NextOpen.
	NextOpenText string
}

// ParseBusinessHours decodes tenant JSON. Any decode failure yields nil,
// which Evaluate treats as always open.
func ParseBusinessHours(raw []byte) *BusinessHours {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	var hours BusinessHours
	if err := json.Unmarshal(raw, &hours); err != nil {
		return nil
	}
	return &hours
}

// Day returns the schedule for a weekday.
func (b *BusinessHours) Day(weekday time.Weekday) *DaySchedule {
	if b == nil {
		return nil
	}
	switch weekday {
	case time.Sunday:
		return b.Sunday
	case time.Monday:
		return b.Monday
	case time.Tuesday:
		return b.Tuesday
	case time.Wednesday:
		return b.Wednesday
	case time.Thursday:
		return b.Thursday
	case time.Friday:
		return b.Friday
	case time.Saturday:
		return b.Saturday
	default:
		return nil
	}
}

type window struct {
	enabled    bool
	start, end int // minutes since midnight
}

// windows validates every enabled day. ok is false when any enabled day is
// malformed, which callers treat as fail-open.
func (b *BusinessHours) windows() (days [7]window, anyEnabled, ok bool) {
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		d := b.Day(wd)
		if d == nil || !d.Enabled {
			continue
		}
		start, err := parseClock(d.Start)
		if err != nil {
			return days, false, false
		}
		end, err := parseClock(d.End)
		if err != nil {
			return days, false, false
		}
		if end <= start {
			return days, false, false
		}
		days[wd] = window{enabled: true, start: start, end: end}
		anyEnabled = true
	}
	return days, anyEnabled, true
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("clinic: invalid time %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Evaluate reports whether the clinic is open at now, evaluated in the
// tenant's timezone. Missing or malformed configuration is always open.
func Evaluate(hours *BusinessHours, timezone string, now time.Time) Status {
	if hours == nil {
		return Status{IsOpen: true}
	}
	if strings.TrimSpace(timezone) == "" {
		timezone = DefaultTimezone
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return Status{IsOpen: true}
	}
	days, anyEnabled, ok := hours.windows()
	if !ok {
		return Status{IsOpen: true}
	}
	if !anyEnabled {
		return Status{IsOpen: false, Message: NoHoursMessage}
	}

	local := now.In(loc)
	minutes := local.Hour()*60 + local.Minute()
	today := days[local.Weekday()]
	if today.enabled && minutes >= today.start && minutes < today.end {
		return Status{IsOpen: true}
	}

	for offset := 0; offset <= 7; offset++ {
		day := local.AddDate(0, 0, offset)
		w := days[day.Weekday()]
		if !w.enabled {
			continue
		}
		if offset == 0 && minutes >= w.start {
			continue
		}
		next := time.Date(day.Year(), day.Month(), day.Day(), w.start/60, w.start%60, 0, 0, loc)
		text := describeNextOpen(offset, next)
		return Status{
			IsOpen:       false,
			Message:      fmt.Sprintf(closedMessageFormat, text),
			NextOpen:     next,
			NextOpenText: text,
		}
	}
	return Status{IsOpen: false, Message: NoHoursMessage}
}

var weekdayNames = [7]string{
	"domingo", "segunda-feira", "terça-feira", "quarta-feira",
	"quinta-feira", "sexta-feira", "sábado",
}

// WeekdayName returns the Portuguese weekday name.
func WeekdayName(wd time.Weekday) string {
	return weekdayNames[wd]
}

func describeNextOpen(offset int, next time.Time) string {
	clock := next.Format("15:04")
	name := weekdayNames[next.Weekday()]
	switch offset {
	case 0:
		return "hoje a partir das " + clock
	case 1:
		return fmt.Sprintf("amanhã (%s) a partir das %s", name, clock)
	case 7:
		if next.Weekday() == time.Saturday || next.Weekday() == time.Sunday {
			return fmt.Sprintf("no próximo %s a partir das %s", name, clock)
		}
		return fmt.Sprintf("na próxima %s a partir das %s", name, clock)
	default:
		return fmt.Sprintf("%s %s a partir das %s", article(next.Weekday()), name, clock)
	}
}

// article picks the contracted preposition for a weekday ("no sábado", "na segunda-feira").
func article(wd time.Weekday) string {
	if wd == time.Saturday || wd == time.Sunday {
		return "no"
	}
	return "na"
}

// Describe renders the weekly schedule for prompts, one line per weekday.
func (b *BusinessHours) Describe() string {
	if b == nil {
		return ""
	}
	var lines []string
	for _, wd := range []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday, time.Sunday} {
		d := b.Day(wd)
		if d == nil || !d.Enabled {
			lines = append(lines, fmt.Sprintf("- %s: fechado", weekdayNames[wd]))
			continue
		}
		lines = append(lines, fmt.Sprintf("- %s: %s às %s", weekdayNames[wd], d.Start, d.End))
	}
	return strings.Join(lines, "\n")
}
