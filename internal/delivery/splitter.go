// Package delivery turns one reply into human-paced WhatsApp messages.
package delivery

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

// Defaults for chunking and pacing.
const (
	DefaultMinDelay       = 800 * time.Millisecond
	DefaultMaxDelay       = 2500 * time.Millisecond
	DefaultShortThreshold = 80
	// DefaultDelaySaturation is the length at which the delay reaches MaxDelay.
	DefaultDelaySaturation = 300
)

// Chunk is one message to send and the pause that precedes it.
type Chunk struct {
	Text  string
	Delay time.Duration
}

// SplitterConfig tunes a Splitter. Zero fields take the defaults.
type SplitterConfig struct {
	MinDelay        time.Duration
	MaxDelay        time.Duration
	ShortThreshold  int
	DelaySaturation int
}

// Splitter breaks replies on blank lines. It is deterministic and safe for
// concurrent use.
type Splitter struct {
	cfg SplitterConfig
}

func NewSplitter(cfg SplitterConfig) *Splitter {
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = DefaultMinDelay
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = DefaultMaxDelay
		if cfg.MaxDelay < cfg.MinDelay {
			cfg.MaxDelay = cfg.MinDelay
		}
	}
	if cfg.ShortThreshold <= 0 {
		cfg.ShortThreshold = DefaultShortThreshold
	}
	if cfg.DelaySaturation <= 0 {
		cfg.DelaySaturation = DefaultDelaySaturation
	}
	return &Splitter{cfg: cfg}
}

var (
	listLine     = regexp.MustCompile(`^\s*([-•*·▪►✅✔️]|\d{1,2}[.)])\s*\S`)
	keyValueLine = regexp.MustCompile(`^\s*[*_]*[\p{L}\p{N} /()]{1,40}[*_]*\s*:\s*\S`)
	summaryWords = []string{"resumo", "confirmação", "confirmacao", "dados do agendamento", "detalhes do agendamento"}
)

type block struct {
	text   string
	atomic bool
}

// Split returns the ordered chunks for text; nil when text is blank.
//
// Paragraphs are separated by blank lines. A structured block (a header
// ending in ":" or naming a summary, followed by list or key: value lines)
// is kept as one chunk even across blank lines. Consecutive paragraphs
// shorter than ShortThreshold runes are merged with a newline.
func (s *Splitter) Split(text string) []Chunk {
	paragraphs := paragraphsOf(text)
	if len(paragraphs) == 0 {
		return nil
	}

	var blocks []block
	for i := 0; i < len(paragraphs); i++ {
		p := paragraphs[i]
		if !isBlockHeader(p) {
			blocks = append(blocks, block{text: p})
			continue
		}
		parts := []string{p}
		structured := isStructured(p)
		for i+1 < len(paragraphs) && isStructured(paragraphs[i+1]) {
			parts = append(parts, paragraphs[i+1])
			structured = true
			i++
		}
		blocks = append(blocks, block{text: strings.Join(parts, "\n\n"), atomic: structured})
	}

	var merged []string
	var run []string
	flush := func() {
		if len(run) > 0 {
			merged = append(merged, strings.Join(run, "\n"))
			run = nil
		}
	}
	for _, b := range blocks {
		if !b.atomic && utf8.RuneCountInString(b.text) < s.cfg.ShortThreshold {
			run = append(run, b.text)
			continue
		}
		flush()
		merged = append(merged, b.text)
	}
	flush()

	chunks := make([]Chunk, len(merged))
	for i, m := range merged {
		chunks[i] = Chunk{Text: m, Delay: s.Delay(m)}
	}
	return chunks
}

// Delay maps text length linearly onto [MinDelay, MaxDelay].
func (s *Splitter) Delay(text string) time.Duration {
	n := utf8.RuneCountInString(text)
	if n > s.cfg.DelaySaturation {
		n = s.cfg.DelaySaturation
	}
	span := s.cfg.MaxDelay - s.cfg.MinDelay
	return s.cfg.MinDelay + time.Duration(int64(span)*int64(n)/int64(s.cfg.DelaySaturation))
}

func paragraphsOf(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var out []string
	var cur []string
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			if len(cur) > 0 {
				out = append(out, strings.Join(cur, "\n"))
				cur = nil
			}
			continue
		}
		cur = append(cur, strings.TrimRight(line, " \t"))
	}
	if len(cur) > 0 {
		out = append(out, strings.Join(cur, "\n"))
	}
	return out
}

func isBlockHeader(p string) bool {
	first, _, _ := strings.Cut(p, "\n")
	first = strings.Trim(strings.TrimSpace(first), "*_")
	if strings.HasSuffix(first, ":") {
		return true
	}
	lower := strings.ToLower(first)
	for _, w := range summaryWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

// isStructured reports whether every line after an optional header is a
// list item or key: value pair.
func isStructured(p string) bool {
	lines := strings.Split(p, "\n")
	if len(lines) > 1 && isBlockHeader(lines[0]) {
		lines = lines[1:]
	}
	for _, line := range lines {
		if !listLine.MatchString(line) && !keyValueLine.MatchString(line) {
			return false
		}
	}
	return true
}
