package reconnect

import (
	"context"
	"errors"
	"sync"
	"time"

	"pair_sync/internal/model"
	"pair_sync/internal/utils/log"

	"go.uber.org/zap"
)

const (
	DefaultBaseDelay   = time.Second
	DefaultMaxAttempts = 5

	dialTimeout = 10 * time.Second
)

var ErrNotConnected = errors.New("not connected")

type State int

const (
	Idle State = iota
	Connecting
	Connected
	Reconnecting
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

type EventKind string

const (
	EventConnected    EventKind = "connected"
	EventReconnecting EventKind = "reconnecting"
	EventFailed       EventKind = "reconnect_failed"
	EventDisconnected EventKind = "disconnected"
	EventFrame        EventKind = "frame"
)

type (
	// Session is one established live channel.
	Session interface {
		Send(frame model.Frame) error
		// Receive blocks until the next frame arrives or the session ends.
		Receive() (model.Frame, error)
		Close() error
	}

	Dialer interface {
		Dial(ctx context.Context) (Session, error)
	}

	Timer interface {
		Stop() bool
	}

	Clock interface {
		AfterFunc(d time.Duration, f func()) Timer
	}

	Event struct {
		Kind    EventKind
		State   State
		Attempt int
		Delay   time.Duration
		Frame   model.Frame
		Err     error
	}

	Options struct {
		BaseDelay   time.Duration
		MaxAttempts int
		Clock       Clock
		OnEvent     func(Event)
	}

	// Controller keeps a live session up, retrying with exponential backoff
	// after every drop until the attempt bound is reached.
	Controller struct {
		mu      sync.Mutex
		state   State
		attempt int
		gen     uint64
		session Session
		timer   Timer

		sendMu sync.Mutex

		dialer  Dialer
		base    time.Duration
		max     int
		clock   Clock
		onEvent func(Event)
	}

	realClock struct{}
)

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

func NewController(dialer Dialer, opts Options) *Controller {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	if opts.OnEvent == nil {
		opts.OnEvent = func(Event) {}
	}
	return &Controller{
		dialer:  dialer,
		base:    opts.BaseDelay,
		max:     opts.MaxAttempts,
		clock:   opts.Clock,
		onEvent: opts.OnEvent,
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Delay returns the backoff before retry number attempt, counting from zero.
func (c *Controller) Delay(attempt int) time.Duration {
	return c.base << uint(attempt)
}

// Connect starts connecting from Idle or Failed. It is a no-op otherwise.
func (c *Controller) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Idle && c.state != Failed {
		return
	}
	c.attempt = 0
	c.dialLocked()
}

// Disconnect closes the session and cancels any pending retry. No retry is
// scheduled afterwards.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	session := c.session
	c.session = nil
	c.state = Idle
	c.attempt = 0
	c.mu.Unlock()

	if session != nil {
		session.Close()
	}
	c.onEvent(Event{Kind: EventDisconnected, State: Idle})
}

func (c *Controller) Send(frame model.Frame) error {
	c.mu.Lock()
	session := c.session
	connected := c.state == Connected
	c.mu.Unlock()

	if !connected || session == nil {
		return ErrNotConnected
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return session.Send(frame)
}

// dialLocked starts a dial for a fresh generation. Callers hold mu.
func (c *Controller) dialLocked() {
	c.gen++
	gen := c.gen
	c.state = Connecting
	c.timer = nil

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		defer cancel()

		session, err := c.dialer.Dial(ctx)
		if err != nil {
			c.fail(gen, err)
			return
		}
		c.established(gen, session)
	}()
}

func (c *Controller) established(gen uint64, session Session) {
	c.mu.Lock()
	if gen != c.gen || c.state != Connecting {
		c.mu.Unlock()
		session.Close()
		return
	}
	c.session = session
	c.state = Connected
	c.attempt = 0
	c.mu.Unlock()

	log.Info("live channel connected")
	c.onEvent(Event{Kind: EventConnected, State: Connected})
	go c.receive(gen, session)
}

func (c *Controller) receive(gen uint64, session Session) {
	for {
		frame, err := session.Receive()
		if err != nil {
			c.fail(gen, err)
			return
		}
		if !c.current(gen) {
			return
		}
		c.onEvent(Event{Kind: EventFrame, State: Connected, Frame: frame})
	}
}

func (c *Controller) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.gen
}

// fail handles a close or error of generation gen.
func (c *Controller) fail(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen || (c.state != Connecting && c.state != Connected) {
		c.mu.Unlock()
		return
	}
	session := c.session
	c.session = nil

	var ev Event
	if c.attempt >= c.max {
		c.state = Failed
		ev = Event{Kind: EventFailed, State: Failed, Attempt: c.attempt, Err: err}
	} else {
		delay := c.Delay(c.attempt)
		c.attempt++
		c.state = Reconnecting
		c.timer = c.clock.AfterFunc(delay, func() { c.retry(gen) })
		ev = Event{Kind: EventReconnecting, State: Reconnecting, Attempt: c.attempt, Delay: delay, Err: err}
	}
	c.mu.Unlock()

	if session != nil {
		session.Close()
	}
	if ev.Kind == EventFailed {
		log.Warn("reconnect failed", zap.Int("attempts", ev.Attempt), zap.Error(err))
	} else {
		log.Info("live channel lost", zap.Int("attempt", ev.Attempt), zap.Duration("delay", ev.Delay), zap.Error(err))
	}
	c.onEvent(ev)
}

func (c *Controller) retry(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen || c.state != Reconnecting {
		return
	}
	c.dialLocked()
}
