// Package rtclient is the dashboard side of the realtime protocol: it
// keeps a socket open, resubscribes after every reconnect and dispatches
// typed events to handlers.
package rtclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wolfman30/clinic-inbox/internal/realtime"
	"github.com/wolfman30/clinic-inbox/internal/retry"
	"github.com/wolfman30/clinic-inbox/pkg/logging"
)

// ErrNotConnected is returned by sends while the socket is down. Desired
// subscriptions are still recorded and replayed on reconnect.
var ErrNotConnected = errors.New("rtclient: not connected")

// Handler consumes one event. Handlers run on the read goroutine in
// arrival order.
type Handler func(env realtime.Envelope)

// State is the connection state reported to OnState.
type State string

const (
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
)

// Config configures a Client.
type Config struct {
	// URL is the socket endpoint, e.g. wss://api.example.com/ws.
	URL string
	// Token returns a fresh agent token for each dial.
	Token func(ctx context.Context) (string, error)
	// Backoff spaces reconnect attempts; only its delays are used.
	Backoff retry.Policy
	// MaxConsecutiveFailures stops Run after that many failed dials; 0 retries forever.
	MaxConsecutiveFailures int
	TypingTTL              time.Duration
	Dialer                 *websocket.Dialer
	OnState                func(State)
	Logger                 *logging.Logger
}

// Client is a reconnecting realtime client.
type Client struct {
	cfg    Config
	logger *logging.Logger
	typing *TypingTracker

	mu       sync.Mutex
	subs     map[string]struct{}
	handlers map[realtime.EventName][]Handler
	ws       *websocket.Conn

	writeMu sync.Mutex
}

func New(cfg Config) *Client {
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Backoff.BaseDelay <= 0 {
		cfg.Backoff = retry.Policy{BaseDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second, Jitter: retry.DefaultJitter}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Client{
		cfg:      cfg,
		logger:   logger.Component("rtclient"),
		typing:   NewTypingTracker(cfg.TypingTTL),
		subs:     make(map[string]struct{}),
		handlers: make(map[realtime.EventName][]Handler),
	}
}

// Typing exposes the tracker fed by typing:update events.
func (c *Client) Typing() *TypingTracker { return c.typing }

// On registers h for event.
func (c *Client) On(event realtime.EventName, h Handler) {
	c.mu.Lock()
	c.handlers[event] = append(c.handlers[event], h)
	c.mu.Unlock()
}

// Subscriptions returns the desired conversation set.
func (c *Client) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for id := range c.subs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Subscribe adds conversationID to the desired set and sends the frame
// when connected.
func (c *Client) Subscribe(conversationID string) error {
	c.mu.Lock()
	c.subs[conversationID] = struct{}{}
	c.mu.Unlock()
	return c.send(realtime.ClientFrame{Type: realtime.FrameSubscribe, ConversationID: conversationID})
}

func (c *Client) Unsubscribe(conversationID string) error {
	c.mu.Lock()
	delete(c.subs, conversationID)
	c.mu.Unlock()
	return c.send(realtime.ClientFrame{Type: realtime.FrameUnsubscribe, ConversationID: conversationID})
}

// SendTyping reports the agent's typing state for a subscribed conversation.
func (c *Client) SendTyping(conversationID string, typing bool) error {
	return c.send(realtime.ClientFrame{Type: realtime.FrameTyping, ConversationID: conversationID, Typing: typing})
}

func (c *Client) send(frame realtime.ClientFrame) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return ws.WriteJSON(frame)
}

// Run connects and reconnects until ctx is done. There is no session
// resumption: every new socket replays the desired subscriptions.
func (c *Client) Run(ctx context.Context) error {
	failures := 0
	for {
		ws, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			if c.cfg.MaxConsecutiveFailures > 0 && failures >= c.cfg.MaxConsecutiveFailures {
				return fmt.Errorf("rtclient: giving up after %d attempts: %w", failures, err)
			}
			delay := c.cfg.Backoff.Backoff(failures - 1)
			c.logger.Warn("realtime dial failed", "attempt", failures, "delay_ms", delay.Milliseconds(), "error", err)
			if err := retry.Sleep(ctx, delay); err != nil {
				return err
			}
			continue
		}
		failures = 0
		c.session(ctx, ws)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := retry.Sleep(ctx, c.cfg.Backoff.Backoff(0)); err != nil {
			return err
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("rtclient: parse url: %w", err)
	}
	header := http.Header{}
	if c.cfg.Token != nil {
		token, err := c.cfg.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("rtclient: token: %w", err)
		}
		header.Set("Authorization", "Bearer "+token)
	}
	ws, resp, err := c.cfg.Dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("rtclient: dial: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("rtclient: dial: %w", err)
	}
	return ws, nil
}

func (c *Client) session(ctx context.Context, ws *websocket.Conn) {
	c.mu.Lock()
	c.ws = ws
	subs := make([]string, 0, len(c.subs))
	for id := range c.subs {
		subs = append(subs, id)
	}
	c.mu.Unlock()
	sort.Strings(subs)

	c.typing.Reset()
	c.setState(StateConnected)
	for _, id := range subs {
		if err := c.send(realtime.ClientFrame{Type: realtime.FrameSubscribe, ConversationID: id}); err != nil {
			c.logger.Warn("resubscribe failed", "conversation_id", id, "error", err)
		}
	}

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = ws.Close()
		case <-stop:
		}
	}()

	defer func() {
		close(stop)
		c.mu.Lock()
		c.ws = nil
		c.mu.Unlock()
		_ = ws.Close()
		c.setState(StateDisconnected)
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Info("realtime connection lost", "error", err)
			}
			return
		}
		var env realtime.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env realtime.Envelope) {
	if env.Event == realtime.EventTypingUpdate {
		var p realtime.TypingPayload
		if err := json.Unmarshal(env.Data, &p); err == nil {
			c.typing.Observe(p)
		}
	}
	c.mu.Lock()
	handlers := append([]Handler(nil), c.handlers[env.Event]...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(env)
	}
}

func (c *Client) setState(s State) {
	if c.cfg.OnState != nil {
		c.cfg.OnState(s)
	}
}
