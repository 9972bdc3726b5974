// Package dispatch serializes commands from many callers into one ordered,
// rate-limited write stream. Stop commands jump every queue and bypass the
// limiter; stream setpoints are coalesced so only the newest is ever sent.
package dispatch

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	bridgeerrors "github.com/shaunagostinho/zipbridge/internal/errors"
	"github.com/shaunagostinho/zipbridge/internal/matcher"
	"github.com/shaunagostinho/zipbridge/internal/metrics"
	"github.com/shaunagostinho/zipbridge/internal/protocol"
)

var (
	// ErrSuperseded resolves a setpoint replaced by a newer one before it
	// was sent.
	ErrSuperseded = bridgeerrors.New("superseded by newer setpoint")
	// ErrRateLimited resolves a setpoint dropped because no token was free.
	ErrRateLimited = bridgeerrors.New("setpoint dropped by rate limiter")
)

// Writer puts a command on the wire.
type Writer interface {
	WriteCommand(cmd protocol.Command) error
}

// Tracker follows a written command until its reply.
type Tracker interface {
	AddPending(req *matcher.Request)
	Cancel(req *matcher.Request, err error)
}

// Envelope is one queued command and its class.
type Envelope struct {
	Command      protocol.Command
	Priority     protocol.Priority
	ExpectsReply bool
}

// NewEnvelope classifies cmd from the opcode table.
func NewEnvelope(cmd protocol.Command) Envelope {
	return Envelope{
		Command:      cmd,
		Priority:     cmd.Priority(),
		ExpectsReply: cmd.ExpectsReply(),
	}
}

// Config tunes the dispatcher.
type Config struct {
	Rate               float64
	Burst              int
	MaxQueue           int
	CommandTimeout     time.Duration
	DiagnosticsTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Rate <= 0 {
		c.Rate = 50
	}
	if c.Burst <= 0 {
		c.Burst = 5
	}
	if c.MaxQueue <= 0 {
		c.MaxQueue = 256
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = matcher.DefaultCommandTimeout
	}
	if c.DiagnosticsTimeout <= 0 {
		c.DiagnosticsTimeout = matcher.DefaultDiagnosticsTimeout
	}
	return c
}

type entry struct {
	env Envelope
	req *matcher.Request
}

// Dispatcher owns the outbound queue.
type Dispatcher struct {
	cfg     Config
	writer  Writer
	tracker Tracker
	limiter *rate.Limiter
	metrics *metrics.Metrics

	mu     sync.Mutex
	queues [protocol.NumPriorities][]*entry
	stream *entry
	closed bool

	notify     chan struct{}
	stopNotify chan struct{}
}

// New creates a dispatcher writing through w and registering with t.
func New(cfg Config, w Writer, t Tracker, m *metrics.Metrics) *Dispatcher {
	cfg = cfg.withDefaults()
	return &Dispatcher{
		cfg:        cfg,
		writer:     w,
		tracker:    t,
		limiter:    rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst),
		metrics:    m,
		notify:     make(chan struct{}, 1),
		stopNotify: make(chan struct{}, 1),
	}
}

// Send queues cmd in its table class.
func (d *Dispatcher) Send(cmd protocol.Command, timeout time.Duration) *matcher.Request {
	return d.Submit(NewEnvelope(cmd), timeout)
}

// Submit queues env and returns the request that will carry its outcome.
// A non-positive timeout selects the configured default for the class.
func (d *Dispatcher) Submit(env Envelope, timeout time.Duration) *matcher.Request {
	if timeout <= 0 {
		timeout = d.cfg.CommandTimeout
		if env.Command.Reply() == protocol.ReplyDiagnostics {
			timeout = d.cfg.DiagnosticsTimeout
		}
	}
	e := &entry{env: env, req: matcher.NewRequest(env.Command, timeout)}
	class := env.Priority.String()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		e.req.Fail(bridgeerrors.Wrap(bridgeerrors.KindShutdown, "submit", bridgeerrors.ErrShutdown))
		return e.req
	}

	var superseded *entry
	switch {
	case env.Priority == protocol.PriorityStream:
		superseded = d.stream
		d.stream = e
	case env.Priority != protocol.PriorityStop && d.depthLocked() >= d.cfg.MaxQueue:
		d.mu.Unlock()
		d.metrics.Dropped(class, "queue_full")
		e.req.Fail(bridgeerrors.Wrap(bridgeerrors.KindQueueFull, "submit "+env.Command.Info().Name, bridgeerrors.ErrQueueFull))
		return e.req
	default:
		d.queues[env.Priority] = append(d.queues[env.Priority], e)
	}
	d.reportDepthLocked()
	d.mu.Unlock()

	d.metrics.Submitted(class)
	if superseded != nil {
		d.metrics.Dropped(class, "coalesced")
		superseded.req.Fail(ErrSuperseded)
	}
	if env.Priority == protocol.PriorityStop {
		signal(d.stopNotify)
	}
	signal(d.notify)
	return e.req
}

// Depth returns the number of queued commands.
func (d *Dispatcher) Depth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.depthLocked()
}

// Run drains the queue until ctx is cancelled, then rejects what is left.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			d.shutdown()
			return nil
		}

		e := d.next()
		if e == nil {
			select {
			case <-ctx.Done():
			case <-d.notify:
			}
			continue
		}

		if d.admit(ctx, e) {
			d.send(e)
		}
	}
}

// admit applies the rate limit. It returns false when e must not be sent
// now, either because it was dropped or because it went back in the queue.
func (d *Dispatcher) admit(ctx context.Context, e *entry) bool {
	switch e.env.Priority {
	case protocol.PriorityStop:
		return true
	case protocol.PriorityStream:
		if d.limiter.Allow() {
			return true
		}
		d.metrics.Dropped(e.env.Priority.String(), "rate_limited")
		e.req.Fail(ErrRateLimited)
		return false
	}

	r := d.limiter.Reserve()
	delay := r.Delay()
	if delay <= 0 {
		return true
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-d.stopNotify:
		r.Cancel()
		d.pushFront(e)
		return false
	case <-ctx.Done():
		r.Cancel()
		d.pushFront(e)
		return false
	}
}

func (d *Dispatcher) send(e *entry) {
	class := e.env.Priority.String()
	cmd := e.env.Command

	if e.env.ExpectsReply {
		d.tracker.AddPending(e.req)
	}
	if err := d.writer.WriteCommand(cmd); err != nil {
		d.metrics.Dropped(class, "write_error")
		log.Printf("[dispatch] %s not sent: %v", cmd, err)
		if e.env.ExpectsReply {
			d.tracker.Cancel(e.req, err)
		} else {
			e.req.Fail(err)
		}
		return
	}
	if !e.env.ExpectsReply {
		d.tracker.AddPending(e.req)
	}
	d.metrics.Sent(class)
}

func (d *Dispatcher) next() *entry {
	d.mu.Lock()
	defer d.mu.Unlock()

	for p := 0; p < protocol.NumPriorities; p++ {
		if protocol.Priority(p) == protocol.PriorityStream {
			if e := d.stream; e != nil {
				d.stream = nil
				d.reportDepthLocked()
				return e
			}
			continue
		}
		q := d.queues[p]
		if len(q) == 0 {
			continue
		}
		e := q[0]
		q[0] = nil
		d.queues[p] = q[1:]
		if protocol.Priority(p) == protocol.PriorityStop {
			drain(d.stopNotify)
		}
		d.reportDepthLocked()
		return e
	}
	return nil
}

// pushFront returns a rate-limited entry to the head of its class.
func (d *Dispatcher) pushFront(e *entry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := e.env.Priority
	d.queues[p] = append([]*entry{e}, d.queues[p]...)
	d.reportDepthLocked()
}

func (d *Dispatcher) shutdown() {
	d.mu.Lock()
	d.closed = true
	var left []*entry
	for p := range d.queues {
		left = append(left, d.queues[p]...)
		d.queues[p] = nil
	}
	if d.stream != nil {
		left = append(left, d.stream)
		d.stream = nil
	}
	d.reportDepthLocked()
	d.mu.Unlock()

	if len(left) > 0 {
		log.Printf("[dispatch] rejecting %d queued command(s) on shutdown", len(left))
	}
	for _, e := range left {
		e.req.Fail(bridgeerrors.Wrap(bridgeerrors.KindShutdown,
			fmt.Sprintf("queued %s", e.env.Command.Info().Name), bridgeerrors.ErrShutdown))
	}
}

func (d *Dispatcher) depthLocked() int {
	n := 0
	for _, q := range d.queues {
		n += len(q)
	}
	if d.stream != nil {
		n++
	}
	return n
}

func (d *Dispatcher) reportDepthLocked() {
	if d.metrics == nil {
		return
	}
	for p, q := range d.queues {
		if protocol.Priority(p) == protocol.PriorityStream {
			continue
		}
		d.metrics.SetQueueDepth(protocol.Priority(p).String(), len(q))
	}
	streamDepth := 0
	if d.stream != nil {
		streamDepth = 1
	}
	d.metrics.SetQueueDepth(protocol.PriorityStream.String(), streamDepth)
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func drain(ch chan struct{}) {
	select {
	case <-ch:
	default:
	}
}
