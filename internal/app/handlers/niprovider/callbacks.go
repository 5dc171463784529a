// Package niprovider implements the callbacks a non-interactive provider session needs.
package niprovider

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/reactor/internal/app/reactor"
	"github.com/coachpo/reactor/internal/domain/schema"
)

// Sender writes a frame to the counterparty of a session.
type Sender interface {
	Send(ctx context.Context, frame any) error
}

// Config identifies the provider when it logs in.
type Config struct {
	Name          string
	ApplicationID string
	Position      string
}

// LoginRequest is sent when the channel comes up.
type LoginRequest struct {
	Type          string `json:"type"`
	Name          string `json:"name"`
	ApplicationID string `json:"applicationId,omitempty"`
	Position      string `json:"position,omitempty"`
	Role          string `json:"role"`
}

// LoginResponse is the counterparty's answer on the login stream.
type LoginResponse struct {
	State string `json:"state"`
	Text  string `json:"text,omitempty"`
}

// Quote is a two-sided price update carried on the generic stream.
type Quote struct {
	Item    string          `json:"item"`
	Bid     decimal.Decimal `json:"bid"`
	Ask     decimal.Decimal `json:"ask"`
	BidSize decimal.Decimal `json:"bidSize"`
	AskSize decimal.Decimal `json:"askSize"`
	Seq     uint64          `json:"seq"`
	At      time.Time       `json:"-"`
}

// Spread returns ask minus bid.
func (q Quote) Spread() decimal.Decimal {
	return q.Ask.Sub(q.Bid)
}

// Validate rejects incomplete, negative or crossed quotes.
func (q Quote) Validate() error {
	if strings.TrimSpace(q.Item) == "" {
		return fmt.Errorf("quote item required")
	}
	if !q.Bid.IsPositive() || !q.Ask.IsPositive() {
		return fmt.Errorf("quote %s: prices must be positive", q.Item)
	}
	if q.Bid.GreaterThan(q.Ask) {
		return fmt.Errorf("quote %s: crossed market bid=%s ask=%s", q.Item, q.Bid, q.Ask)
	}
	if q.BidSize.IsNegative() || q.AskSize.IsNegative() {
		return fmt.Errorf("quote %s: sizes must not be negative", q.Item)
	}
	return nil
}

// Callbacks handles channel, login and generic messages for one provider session.
type Callbacks struct {
	cfg    Config
	sender Sender
	logger *log.Logger

	loggedIn atomic.Bool
	mu       sync.RWMutex
	quotes   map[string]Quote
}

var _ reactor.NonInteractiveProviderCallbacks = (*Callbacks)(nil)

// New constructs provider callbacks. A nil logger discards output.
func New(cfg Config, sender Sender, logger *log.Logger) *Callbacks {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = "reactor"
	}
	return &Callbacks{
		cfg:    cfg,
		sender: sender,
		logger: logger,
		quotes: make(map[string]Quote),
	}
}

// OnChannelEvent logs the channel state and requests a login once the channel is up.
func (c *Callbacks) OnChannelEvent(ctx context.Context, evt *schema.Event) schema.Disposition {
	switch evt.Channel {
	case schema.ChannelUp:
		c.logger.Printf("session=%s channel up, requesting login as %s", evt.SessionID, c.cfg.Name)
		if c.sender == nil {
			c.logger.Printf("session=%s no sender configured", evt.SessionID)
			return schema.DispositionFail
		}
		req := LoginRequest{
			Type:          "login",
			Name:          c.cfg.Name,
			ApplicationID: c.cfg.ApplicationID,
			Position:      c.cfg.Position,
			Role:          string(schema.RoleNonInteractiveProvider),
		}
		if err := c.sender.Send(ctx, req); err != nil {
			c.logger.Printf("session=%s send login: %v", evt.SessionID, err)
			return schema.DispositionFail
		}
	case schema.ChannelDown:
		c.loggedIn.Store(false)
		c.logger.Printf("session=%s channel down", evt.SessionID)
	case schema.ChannelWarning:
		c.logger.Printf("session=%s channel warning: %s", evt.SessionID, string(evt.Payload))
	default:
		c.logger.Printf("session=%s channel %s", evt.SessionID, evt.Channel)
	}
	return schema.DispositionSuccess
}

// OnLoginMessage records the login outcome. A rejected login closes the session.
func (c *Callbacks) OnLoginMessage(_ context.Context, evt *schema.Event) schema.Disposition {
	var resp LoginResponse
	if err := json.Unmarshal(evt.Payload, &resp); err != nil {
		c.logger.Printf("session=%s malformed login response: %v", evt.SessionID, err)
		return schema.DispositionFail
	}
	switch strings.ToLower(strings.TrimSpace(resp.State)) {
	case "accepted", "open", "ok":
		c.loggedIn.Store(true)
		c.logger.Printf("session=%s login accepted", evt.SessionID)
		return schema.DispositionSuccess
	case "rejected", "closed":
		c.loggedIn.Store(false)
		c.logger.Printf("session=%s login %s: %s", evt.SessionID, resp.State, resp.Text)
		return schema.DispositionFailAndClose
	default:
		c.logger.Printf("session=%s login state %q ignored", evt.SessionID, resp.State)
		return schema.DispositionSuccess
	}
}

// OnGenericMessage validates a quote update and keeps the latest quote per item.
func (c *Callbacks) OnGenericMessage(_ context.Context, evt *schema.Event) schema.Disposition {
	if !c.loggedIn.Load() {
		c.logger.Printf("session=%s generic message before login", evt.SessionID)
		return schema.DispositionFail
	}
	var quote Quote
	if err := json.Unmarshal(evt.Payload, &quote); err != nil {
		c.logger.Printf("session=%s malformed quote: %v", evt.SessionID, err)
		return schema.DispositionFail
	}
	if err := quote.Validate(); err != nil {
		c.logger.Printf("session=%s %v", evt.SessionID, err)
		return schema.DispositionFail
	}
	quote.At = evt.ReceivedAt
	if quote.Seq == 0 {
		quote.Seq = evt.Seq
	}
	c.mu.Lock()
	c.quotes[quote.Item] = quote
	c.mu.Unlock()
	return schema.DispositionSuccess
}

// LoggedIn reports whether the counterparty accepted the login.
func (c *Callbacks) LoggedIn() bool {
	return c.loggedIn.Load()
}

// Quote returns the last accepted quote for item.
func (c *Callbacks) Quote(item string) (Quote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.quotes[item]
	return q, ok
}
