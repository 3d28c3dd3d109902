// Package fanout delivers accepted placements to live viewers. Push delivery
// is best-effort: a subscriber whose transport keeps failing is retried with
// linear backoff and finally parked in degraded mode, where it polls the
// store for full state instead of relying on pushes.
package fanout

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pixelcollab/canvas-backend/internal/retry"
	"github.com/pixelcollab/canvas-backend/internal/store"
	"github.com/pixelcollab/canvas-backend/internal/types"
)

// Event is the wire event shipped to subscribers.
//
// Type "pixel" carries Data; "clear" carries FrameID/X/Y; "state" carries a
// full reconstructed grid (sent on subscribe, after a resync, and on every
// degraded-mode poll).
type Event struct {
	Type    string           `json:"type"`
	Data    *types.Placement `json:"data,omitempty"`
	FrameID string           `json:"frame_id,omitempty"`
	X       int              `json:"x,omitempty"`
	Y       int              `json:"y,omitempty"`
	Width   int              `json:"width,omitempty"`
	Height  int              `json:"height,omitempty"`
	Cells   []uint32         `json:"cells,omitempty"`
	AsOf    time.Time        `json:"as_of,omitempty"`
}

// State is a subscription's position in its lifecycle.
type State string

const (
	StateIdle        State = "idle"
	StateSubscribing State = "subscribing"
	StateSubscribed  State = "subscribed"
	StateError       State = "error"
	StateDegraded    State = "degraded"
	StateClosed      State = "closed"
)

// Transport is one viewer's delivery channel. Open establishes it, Send
// pushes one event, Close releases it. Any of them may fail transiently.
type Transport interface {
	Open(ctx context.Context) error
	Send(ctx context.Context, ev Event) error
	Close() error
}

// StateSource reconstructs full frame state for join snapshots, resyncs and
// degraded-mode polling.
type StateSource interface {
	Reconstruct(ctx context.Context, frameID string) (store.Grid, error)
}

// Config tunes retry and polling behavior. Zero values take defaults.
type Config struct {
	SubscribeAttempts  int           // push (re)subscribe attempts before degrading
	SubscribeBaseDelay time.Duration // backoff unit; attempt n waits n×this
	PollInterval       time.Duration // degraded-mode poll period
	SendTimeout        time.Duration // per-event delivery budget
	Buffer             int           // per-subscriber event buffer
}

func (c Config) withDefaults() Config {
	if c.SubscribeAttempts <= 0 {
		c.SubscribeAttempts = 3
	}
	if c.SubscribeBaseDelay <= 0 {
		c.SubscribeBaseDelay = 500 * time.Millisecond
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 3 * time.Second
	}
	if c.Buffer <= 0 {
		c.Buffer = 32
	}
	return c
}

// Manager owns the per-frame subscriber registry.
type Manager struct {
	source StateSource
	cfg    Config
	log    *zap.Logger

	mu     sync.Mutex
	frames map[string]map[string]*Subscription
}

func NewManager(source StateSource, cfg Config, log *zap.Logger) *Manager {
	return &Manager{
		source: source,
		cfg:    cfg.withDefaults(),
		log:    log,
		frames: make(map[string]map[string]*Subscription),
	}
}

// Subscribe registers a viewer for a frame and starts its delivery loop. The
// subscription tears itself down when ctx ends; Unsubscribe is also safe to
// call directly, repeatedly, and concurrently.
func (m *Manager) Subscribe(ctx context.Context, frameID string, t Transport) *Subscription {
	sctx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		ID:        uuid.NewString(),
		frameID:   frameID,
		transport: t,
		events:    make(chan Event, m.cfg.Buffer),
		resync:    make(chan struct{}, 1),
		m:         m,
		ctx:       sctx,
		cancel:    cancel,
		state:     StateIdle,
	}

	m.mu.Lock()
	subs := m.frames[frameID]
	if subs == nil {
		subs = make(map[string]*Subscription)
		m.frames[frameID] = subs
	}
	subs[s.ID] = s
	m.mu.Unlock()

	go s.run()
	return s
}

// PlacementAccepted implements engine.EventSink.
func (m *Manager) PlacementAccepted(p types.Placement) {
	m.publish(p.FrameID, Event{Type: "pixel", Data: &p})
}

// PlacementCleared implements engine.EventSink for the undo path.
func (m *Manager) PlacementCleared(frameID string, x, y int) {
	m.publish(frameID, Event{Type: "clear", FrameID: frameID, X: x, Y: y})
}

func (m *Manager) publish(frameID string, ev Event) {
	m.mu.Lock()
	subs := make([]*Subscription, 0, len(m.frames[frameID]))
	for _, s := range m.frames[frameID] {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	for _, s := range subs {
		select {
		case s.events <- ev:
		default:
			// Subscriber can't keep up; have it resync from full state
			// rather than silently losing this event.
			s.requestResync()
		}
	}
}

// Subscribers reports how many viewers a frame currently has.
func (m *Manager) Subscribers(frameID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.frames[frameID])
}

// Close tears down every subscription; used on server shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	var all []*Subscription
	for _, subs := range m.frames {
		for _, s := range subs {
			all = append(all, s)
		}
	}
	m.mu.Unlock()
	for _, s := range all {
		s.Unsubscribe()
	}
}

func (m *Manager) remove(s *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs := m.frames[s.frameID]; subs != nil {
		delete(subs, s.ID)
		if len(subs) == 0 {
			delete(m.frames, s.frameID)
		}
	}
}

// Subscription is one (frame, viewer) delivery loop.
type Subscription struct {
	ID        string
	frameID   string
	transport Transport
	events    chan Event
	resync    chan struct{}
	m         *Manager
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	mu    sync.Mutex
	state State
}

// State returns the subscription's current lifecycle state.
func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Subscription) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Unsubscribe tears the subscription down. Idempotent, and cancelling the
// context here aborts any backoff timer or in-flight delivery, so a teardown
// never races a reconnect.
func (s *Subscription) Unsubscribe() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.m.remove(s)
		if err := s.transport.Close(); err != nil {
			s.m.log.Debug("transport close", zap.String("sub", s.ID), zap.Error(err))
		}
		s.setState(StateClosed)
	})
}

func (s *Subscription) requestResync() {
	select {
	case s.resync <- struct{}{}:
	default:
	}
}

func (s *Subscription) run() {
	defer s.Unsubscribe()
	cycles := 0
	for {
		if s.ctx.Err() != nil {
			return
		}
		// A subscribe cycle that never manages a successful delivery counts
		// against the same budget as a failed Open, so a transport that
		// opens fine but cannot send still lands in degraded mode.
		if cycles >= s.m.cfg.SubscribeAttempts {
			s.m.log.Warn("push subscribe exhausted, degrading to polling",
				zap.String("sub", s.ID), zap.String("frame", s.frameID))
			s.pollLoop()
			return
		}
		err := retry.Do(s.ctx, retry.Policy{
			MaxAttempts: s.m.cfg.SubscribeAttempts,
			BaseDelay:   s.m.cfg.SubscribeBaseDelay,
		}, func(ctx context.Context) error {
			s.setState(StateSubscribing)
			return s.transport.Open(ctx)
		})
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.m.log.Warn("push subscribe exhausted, degrading to polling",
				zap.String("sub", s.ID), zap.String("frame", s.frameID), zap.Error(err))
			s.pollLoop()
			return
		}

		s.setState(StateSubscribed)
		if !s.sendState() {
			cycles++
			continue
		}
		cycles = 0
		if done := s.pump(); done {
			return
		}
	}
}

// pump delivers buffered events until the context ends (true), or until a
// delivery failure or resync request demands a fresh subscribe cycle (false).
func (s *Subscription) pump() (done bool) {
	for {
		select {
		case <-s.ctx.Done():
			return true
		case <-s.resync:
			s.setState(StateError)
			return false
		case ev := <-s.events:
			if !s.send(ev) {
				s.setState(StateError)
				return false
			}
		}
	}
}

// pollLoop is degraded mode: ship a full reconstruction on a fixed interval.
// Push events still arriving on the buffer are discarded; the poll covers
// them.
func (s *Subscription) pollLoop() {
	s.setState(StateDegraded)
	t := time.NewTicker(s.m.cfg.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.events:
		case <-s.resync:
		case <-t.C:
			if !s.sendState() {
				s.m.log.Debug("degraded poll delivery failed",
					zap.String("sub", s.ID), zap.String("frame", s.frameID))
			}
		}
	}
}

func (s *Subscription) sendState() bool {
	ctx, cancel := context.WithTimeout(s.ctx, s.m.cfg.SendTimeout)
	defer cancel()
	grid, err := s.m.source.Reconstruct(ctx, s.frameID)
	if err != nil {
		s.m.log.Warn("state reconstruction for fan-out failed",
			zap.String("frame", s.frameID), zap.Error(err))
		return false
	}
	return s.send(Event{
		Type:    "state",
		FrameID: s.frameID,
		Width:   grid.Width,
		Height:  grid.Height,
		Cells:   grid.Cells,
		AsOf:    grid.AsOf,
	})
}

func (s *Subscription) send(ev Event) bool {
	ctx, cancel := context.WithTimeout(s.ctx, s.m.cfg.SendTimeout)
	defer cancel()
	return s.transport.Send(ctx, ev) == nil
}
