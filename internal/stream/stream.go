// Package stream keeps a motion setpoint alive on the firmware by re-sending
// it at a fixed rate. The firmware stops on its own once the setpoint's TTL
// lapses, so the stream only has to keep refreshing it while a client wants
// motion.
package stream

import (
	"context"
	"log"
	"sync"
	"time"

	bridgeerrors "github.com/shaunagostinho/zipbridge/internal/errors"
	"github.com/shaunagostinho/zipbridge/internal/matcher"
	"github.com/shaunagostinho/zipbridge/internal/protocol"
)

// ErrNotActive is returned by Update when no stream is running.
var ErrNotActive = bridgeerrors.New("no active stream")

// Rate bounds in Hz.
const (
	MinRateHz     = 1
	MaxRateHz     = 20
	DefaultRateHz = 10

	DefaultTTLMs = 200
)

// Submitter queues commands for transmission.
type Submitter interface {
	Send(cmd protocol.Command, timeout time.Duration) *matcher.Request
}

// Config bounds the stream.
type Config struct {
	DefaultRateHz int
	TTLMinMs      int
	TTLMaxMs      int
	StopTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.DefaultRateHz <= 0 {
		c.DefaultRateHz = DefaultRateHz
	}
	c.DefaultRateHz = protocol.Clamp(c.DefaultRateHz, MinRateHz, MaxRateHz)
	if c.TTLMinMs <= 0 {
		c.TTLMinMs = protocol.SetpointTTLMin
	}
	if c.TTLMaxMs <= 0 {
		c.TTLMaxMs = protocol.SetpointTTLMax
	}
	if c.TTLMaxMs < c.TTLMinMs {
		c.TTLMaxMs = c.TTLMinMs
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 500 * time.Millisecond
	}
	return c
}

// Snapshot is the externally visible stream state.
type Snapshot struct {
	Active     bool      `json:"active"`
	V          int       `json:"v"`
	W          int       `json:"w"`
	TTLMs      int       `json:"ttlMs"`
	RateHz     int       `json:"rateHz"`
	Owner      string    `json:"owner,omitempty"`
	Frames     uint64    `json:"frames"`
	StartedAt  time.Time `json:"startedAt"`
	LastSentAt time.Time `json:"lastSentAt"`
}

// state is owned by the Run goroutine.
type state struct {
	Snapshot
	ticker *time.Ticker
}

// Streamer is the single owner of the setpoint.
type Streamer struct {
	cfg Config
	out Submitter

	cmds chan func(*state)
	done chan struct{}

	mu   sync.RWMutex
	snap Snapshot
}

// New creates a streamer that submits through out.
func New(cfg Config, out Submitter) *Streamer {
	return &Streamer{
		cfg:  cfg.withDefaults(),
		out:  out,
		cmds: make(chan func(*state)),
		done: make(chan struct{}),
	}
}

// Run owns the setpoint until ctx is cancelled. An active stream is stopped
// without a stop command; the firmware TTL halts the robot.
func (s *Streamer) Run(ctx context.Context) error {
	defer close(s.done)

	st := &state{}
	for {
		var tickC <-chan time.Time
		if st.ticker != nil {
			tickC = st.ticker.C
		}

		select {
		case <-ctx.Done():
			s.halt(st)
			s.publish(st)
			return nil
		case fn := <-s.cmds:
			fn(st)
		case <-tickC:
			s.emit(st)
		}
		s.publish(st)
	}
}

// do runs fn on the owner goroutine and waits for it.
func (s *Streamer) do(fn func(*state)) error {
	finished := make(chan struct{})
	wrapped := func(st *state) {
		defer close(finished)
		fn(st)
		s.publish(st)
	}
	select {
	case s.cmds <- wrapped:
		<-finished
		return nil
	case <-s.done:
		return bridgeerrors.Wrap(bridgeerrors.KindShutdown, "stream", bridgeerrors.ErrShutdown)
	}
}

// Start begins streaming (v, w). rateHz and ttlMs are clamped; a
// non-positive rate selects the default. A running stream is retargeted and
// retimed. The first frame goes out immediately.
func (s *Streamer) Start(v, w, rateHz, ttlMs int, owner string) (Snapshot, error) {
	if rateHz <= 0 {
		rateHz = s.cfg.DefaultRateHz
	}
	rateHz = protocol.Clamp(rateHz, MinRateHz, MaxRateHz)
	ttlMs = s.clampTTL(ttlMs)

	var snap Snapshot
	err := s.do(func(st *state) {
		if st.ticker != nil {
			st.ticker.Stop()
		}
		st.Active = true
		st.V = protocol.ClampMotion(v)
		st.W = protocol.ClampMotion(w)
		st.TTLMs = ttlMs
		st.RateHz = rateHz
		st.Owner = owner
		st.Frames = 0
		st.StartedAt = time.Now()
		st.ticker = time.NewTicker(time.Second / time.Duration(rateHz))
		s.emit(st)
		snap = st.Snapshot
	})
	if err == nil {
		log.Printf("[stream] started v=%d w=%d at %d Hz ttl=%dms", snap.V, snap.W, rateHz, ttlMs)
	}
	return snap, err
}

// Update overwrites the held setpoint without touching the timer. A
// non-positive ttlMs keeps the current TTL.
func (s *Streamer) Update(v, w, ttlMs int) error {
	var active bool
	err := s.do(func(st *state) {
		if !st.Active {
			return
		}
		active = true
		st.V = protocol.ClampMotion(v)
		st.W = protocol.ClampMotion(w)
		if ttlMs > 0 {
			st.TTLMs = s.clampTTL(ttlMs)
		}
	})
	if err != nil {
		return err
	}
	if !active {
		return ErrNotActive
	}
	return nil
}

// Stop halts the timer. With hard set it also submits a stop command and
// returns its request; otherwise the firmware TTL ends the motion and the
// returned request is nil.
func (s *Streamer) Stop(hard bool) (*matcher.Request, error) {
	var wasActive bool
	err := s.do(func(st *state) {
		wasActive = st.Active
		s.halt(st)
	})
	if err != nil && !hard {
		return nil, err
	}
	if wasActive {
		log.Printf("[stream] stopped (hard=%v)", hard)
	}
	if !hard {
		return nil, nil
	}
	return s.out.Send(protocol.Stop(), s.cfg.StopTimeout), nil
}

// StopOwnedBy hard-stops the stream if owner started it.
func (s *Streamer) StopOwnedBy(owner string) (*matcher.Request, bool) {
	var owned bool
	err := s.do(func(st *state) {
		if st.Active && st.Owner == owner {
			owned = true
			s.halt(st)
		}
	})
	if err != nil || !owned {
		return nil, false
	}
	log.Printf("[stream] owner %s went away, stopping", owner)
	return s.out.Send(protocol.Stop(), s.cfg.StopTimeout), true
}

// Snapshot returns the current state.
func (s *Streamer) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

func (s *Streamer) clampTTL(ms int) int {
	if ms <= 0 {
		ms = DefaultTTLMs
	}
	return protocol.Clamp(ms, s.cfg.TTLMinMs, s.cfg.TTLMaxMs)
}

func (s *Streamer) emit(st *state) {
	if !st.Active {
		return
	}
	s.out.Send(protocol.Setpoint(st.V, st.W, st.TTLMs), 0)
	st.Frames++
	st.LastSentAt = time.Now()
}

func (s *Streamer) halt(st *state) {
	if st.ticker != nil {
		st.ticker.Stop()
		st.ticker = nil
	}
	st.Active = false
	st.Owner = ""
}

func (s *Streamer) publish(st *state) {
	s.mu.Lock()
	s.snap = st.Snapshot
	s.mu.Unlock()
}
