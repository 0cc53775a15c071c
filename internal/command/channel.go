package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"homgard/internal/homgar"
)

// CredentialsFunc obtains a broker subscription grant. Called on every
// connect attempt, so the provider decides when a fresh grant is needed.
type CredentialsFunc func(ctx context.Context) (homgar.MQTTCredentials, error)

// MessageHandler receives one inbound broker message.
type MessageHandler func(topic string, payload []byte)

// Transport is one broker connection. Implementations report an
// unexpected disconnect through the lost channel given to the Dialer.
type Transport interface {
	Connect(ctx context.Context) error
	Subscribe(topic string, handler MessageHandler) error
	Publish(topic string, payload []byte) error
	Disconnect()
}

// Dialer builds a Transport for a grant.
type Dialer func(creds BrokerCredentials, lost chan<- error) (Transport, error)

// Config tunes the channel. Zero values select defaults.
type Config struct {
	QueueSize    int
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	RenewMargin  time.Duration // reconnect this long before the grant expires
	Dial         Dialer
}

const (
	defaultReconnectMin = time.Second
	defaultReconnectMax = time.Minute
	defaultRenewMargin  = 5 * time.Minute
)

// errGrantExpiring forces a reconnect with a fresh grant.
var errGrantExpiring = errors.New("subscription grant expiring")

// Channel is the persistent command connection. Commands are queued and
// published strictly in submission order; while disconnected the queue
// holds them (bounded, oldest dropped on overflow) and a reconnect
// flushes the backlog before anything newer.
type Channel struct {
	cfg     Config
	credsFn CredentialsFunc
	logger  *log.Logger
	queue   *commandQueue
	notify  chan struct{}
	state   atomic.Int32
	seq     atomic.Int64

	mu sync.Mutex // guards the callback fields below during Run

	// OnAck receives broker acknowledgments. Set before Run. May be nil.
	OnAck func(Ack)
	// OnOverflow receives commands dropped by a full queue. May be nil.
	OnOverflow func(Command)
}

// NewChannel creates a channel. Run must be called to start it.
func NewChannel(credsFn CredentialsFunc, cfg Config, logger *log.Logger) *Channel {
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = defaultReconnectMin
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = defaultReconnectMax
	}
	if cfg.RenewMargin <= 0 {
		cfg.RenewMargin = defaultRenewMargin
	}
	if cfg.Dial == nil {
		cfg.Dial = DialPaho
	}
	return &Channel{
		cfg:     cfg,
		credsFn: credsFn,
		logger:  logger,
		queue:   newCommandQueue(cfg.QueueSize),
		notify:  make(chan struct{}, 1),
	}
}

// State returns the current connection state.
func (c *Channel) State() State {
	return State(c.state.Load())
}

// Pending returns how many commands wait in the queue.
func (c *Channel) Pending() int {
	return c.queue.len()
}

// Submit enqueues a command for delivery. Safe from any goroutine;
// never blocks. Returns the sequence number assigned to the command.
func (c *Channel) Submit(cmd Command) int64 {
	cmd.Seq = c.seq.Add(1)
	if cmd.SubmittedAt.IsZero() {
		cmd.SubmittedAt = time.Now()
	}

	if dropped, overflow := c.queue.push(cmd); overflow {
		if c.logger != nil {
			c.logger.Printf("[Command] Queue full, dropping oldest command #%d for %s", dropped.Seq, dropped.DeviceID)
		}
		if c.OnOverflow != nil {
			c.OnOverflow(dropped)
		}
	}

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return cmd.Seq
}

// Run drives the connect/flush/reconnect loop until ctx is canceled.
func (c *Channel) Run(ctx context.Context) error {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		c.setState(Connecting)
		grant, err := c.credsFn(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			attempt++
			c.setState(Disconnected)
			if c.logger != nil {
				c.logger.Printf("[Command] Failed to obtain broker grant: %v (retry %d)", err, attempt)
			}
			if !sleepCtx(ctx, c.backoff(attempt)) {
				return ctx.Err()
			}
			continue
		}

		lost := make(chan error, 1)
		tr, err := c.connect(ctx, grant, lost)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			attempt++
			c.setState(Disconnected)
			if c.logger != nil {
				c.logger.Printf("[Command] Connect failed: %v (retry %d)", err, attempt)
			}
			if !sleepCtx(ctx, c.backoff(attempt)) {
				return ctx.Err()
			}
			continue
		}

		c.setState(Connected)
		attempt = 0
		if c.logger != nil {
			c.logger.Printf("[Command] Connected to broker as %s, %d commands queued", grant.DeviceName, c.queue.len())
		}

		err = c.serve(ctx, tr, lost, c.renewAfter(grant))
		tr.Disconnect()
		c.setState(Disconnected)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, errGrantExpiring) {
			if c.logger != nil {
				c.logger.Printf("[Command] Subscription grant near expiry, renewing")
			}
			continue // reconnect immediately with a fresh grant
		}
		attempt++
		if c.logger != nil {
			c.logger.Printf("[Command] Disconnected: %v (retry %d)", err, attempt)
		}
		if !sleepCtx(ctx, c.backoff(attempt)) {
			return ctx.Err()
		}
	}
}

// connect dials, connects and subscribes the ack topic.
func (c *Channel) connect(ctx context.Context, grant homgar.MQTTCredentials, lost chan<- error) (Transport, error) {
	tr, err := c.cfg.Dial(DeriveCredentials(grant), lost)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	if err := tr.Connect(ctx); err != nil {
		tr.Disconnect()
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := tr.Subscribe(AckTopic(grant.ProductKey, grant.DeviceName), c.handleAck); err != nil {
		tr.Disconnect()
		return nil, fmt.Errorf("subscribe acks: %w", err)
	}
	return tr, nil
}

// serve flushes the queue and waits for work until the connection ends.
func (c *Channel) serve(ctx context.Context, tr Transport, lost <-chan error, renew <-chan time.Time) error {
	for {
		if err := c.flush(tr); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-lost:
			return fmt.Errorf("connection lost: %w", err)
		case <-renew:
			return errGrantExpiring
		case <-c.notify:
		}
	}
}

// flush publishes queued commands head-first. A command leaves the
// queue only after a successful publish, so a failure mid-flush keeps
// the remainder for the next connection.
func (c *Channel) flush(tr Transport) error {
	for {
		cmd, ok := c.queue.peek()
		if !ok {
			return nil
		}
		topic := CommandTopic(cmd.HubProductKey, cmd.HubDeviceName)
		if err := tr.Publish(topic, cmd.wirePayload()); err != nil {
			return fmt.Errorf("publish command #%d: %w", cmd.Seq, err)
		}
		c.queue.dropHead(cmd.Seq)
		if c.logger != nil {
			c.logger.Printf("[Command] Published #%d for %s (zone %d, mode %d)", cmd.Seq, cmd.DeviceID, cmd.Zone, cmd.Mode)
		}
	}
}

func (c *Channel) handleAck(topic string, payload []byte) {
	var wa wireAck
	if err := json.Unmarshal(payload, &wa); err != nil {
		if c.logger != nil {
			c.logger.Printf("[Command] Undecodable ack on %s: %v", topic, err)
		}
		return
	}
	ack := Ack{
		Topic:   topic,
		ID:      wa.ID,
		Code:    wa.Code,
		Message: wa.Message,
		Data:    wa.Data,
		At:      time.Now(),
	}
	if c.logger != nil {
		c.logger.Printf("[Command] Ack id=%s code=%d on %s", ack.ID, ack.Code, topic)
	}
	c.mu.Lock()
	handler := c.OnAck
	c.mu.Unlock()
	if handler != nil {
		handler(ack)
	}
}

// renewAfter arms the grant-renewal timer. Grants without an expiry
// never trigger a renewal.
func (c *Channel) renewAfter(grant homgar.MQTTCredentials) <-chan time.Time {
	if grant.Expire == 0 {
		return nil
	}
	d := time.Until(grant.ExpiresAt()) - c.cfg.RenewMargin
	if d < c.cfg.ReconnectMin {
		d = c.cfg.ReconnectMin
	}
	return time.After(d)
}

// backoff is exponential with full jitter in the upper half, capped at
// the configured maximum.
func (c *Channel) backoff(attempt int) time.Duration {
	d := c.cfg.ReconnectMin
	for i := 1; i < attempt && d < c.cfg.ReconnectMax; i++ {
		d *= 2
	}
	if d > c.cfg.ReconnectMax {
		d = c.cfg.ReconnectMax
	}
	return d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
}

func (c *Channel) setState(s State) {
	c.state.Store(int32(s))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
