package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/wolfman30/clinic-inbox/internal/retry"
	"github.com/wolfman30/clinic-inbox/internal/whatsapp"
	"github.com/wolfman30/clinic-inbox/pkg/logging"
)

// SentFunc runs after a chunk is accepted by the provider and before the
// next chunk starts. A non-nil error stops delivery.
type SentFunc func(ctx context.Context, index int, chunk Chunk, res whatsapp.SendResult) error

// TypingFunc reports AI typing state changes, typically to the realtime hub.
type TypingFunc func(ctx context.Context, typing bool)

// Dispatcher sends chunks strictly in order.
type Dispatcher struct {
	logger *logging.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewDispatcher(logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Default()
	}
	return &Dispatcher{logger: logger.Component("delivery"), sleep: retry.Sleep}
}

// WithSleep replaces the pacing wait; tests use it to run without delays.
func (d *Dispatcher) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Dispatcher {
	d.sleep = sleep
	return d
}

// Delivery is one reply to send.
type Delivery struct {
	TenantID string
	To       whatsapp.Recipient
	Chunks   []Chunk
	OnSent   SentFunc
	OnTyping TypingFunc
}

// Deliver sends each chunk after a typing indicator (when the sender
// supports it) and the chunk delay. It stops at the first failure and
// returns how many chunks were sent. Typing indicator failures are logged
// and do not stop delivery.
func (d *Dispatcher) Deliver(ctx context.Context, sender whatsapp.Sender, del Delivery) (int, error) {
	typer, _ := sender.(whatsapp.TypingSender)
	if del.OnTyping != nil && len(del.Chunks) > 0 {
		defer del.OnTyping(context.WithoutCancel(ctx), false)
	}

	for i, chunk := range del.Chunks {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		if del.OnTyping != nil {
			del.OnTyping(ctx, true)
		}
		if typer != nil {
			if err := typer.SendTyping(ctx, del.To, chunk.Delay); err != nil {
				d.logger.Warn("typing indicator failed",
					"tenant_id", del.TenantID,
					"provider", sender.Provider(),
					"chunk", i,
					"error", err,
				)
			}
		}
		if err := d.sleep(ctx, chunk.Delay); err != nil {
			return i, err
		}

		res, err := sender.SendText(ctx, whatsapp.OutboundText{TenantID: del.TenantID, To: del.To, Text: chunk.Text})
		if err != nil {
			return i, fmt.Errorf("delivery: chunk %d of %d: %w", i+1, len(del.Chunks), err)
		}
		if del.OnSent != nil {
			if err := del.OnSent(ctx, i, chunk, res); err != nil {
				return i + 1, fmt.Errorf("delivery: after chunk %d: %w", i+1, err)
			}
		}
	}
	return len(del.Chunks), nil
}
