// Package matcher correlates firmware replies with the commands that caused
// them. The firmware echoes no request identifier, so replies are matched
// strictly in send order: a token resolves the oldest pending non-diagnostics
// request, a diagnostics line starts a collection for the oldest pending
// diagnostics request, and anything else is noise.
//
// All queue state is owned by the goroutine running Run. Registrations,
// received lines and cancellations reach it through one ordered channel, so a
// request registered before its command is written is always queued before
// the reply line is processed.
package matcher

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	bridgeerrors "github.com/shaunagostinho/zipbridge/internal/errors"
	"github.com/shaunagostinho/zipbridge/internal/metrics"
	"github.com/shaunagostinho/zipbridge/internal/protocol"
)

// Config tunes the matcher. Zero values select the defaults.
type Config struct {
	QuietPeriod   time.Duration
	SweepInterval time.Duration
	MaxDiagLines  int
	MaxDiagBytes  int
}

func (c Config) withDefaults() Config {
	if c.QuietPeriod <= 0 {
		c.QuietPeriod = 80 * time.Millisecond
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 50 * time.Millisecond
	}
	if c.MaxDiagLines <= 0 {
		c.MaxDiagLines = 10
	}
	if c.MaxDiagBytes <= 0 {
		c.MaxDiagBytes = 512
	}
	return c
}

// Stats summarise matcher activity.
type Stats struct {
	Pending       int    `json:"pending"`
	Collecting    bool   `json:"collecting"`
	Resolved      uint64 `json:"resolved"`
	Rejected      uint64 `json:"rejected"`
	TimedOut      uint64 `json:"timedOut"`
	NoReply       uint64 `json:"noReply"`
	Unmatched     uint64 `json:"unmatched"`
	Noise         uint64 `json:"noise"`
	TagMismatches uint64 `json:"tagMismatches"`
}

type eventKind int

const (
	evAdd eventKind = iota
	evLine
	evCancel
)

type event struct {
	kind eventKind
	req  *Request
	line string
	err  error
	at   time.Time
}

// collector aggregates the lines of one diagnostics reply.
type collector struct {
	req      *Request
	lines    []string
	bytes    int
	hasStats bool
	lastAt   time.Time
	quiet    *time.Timer
}

func (c *collector) add(line string, kind protocol.LineKind, at time.Time) {
	c.lines = append(c.lines, line)
	c.bytes += len(line)
	c.lastAt = at
	if kind == protocol.LineDiagStats {
		c.hasStats = true
	}
}

// continues reports whether a diagnostics line of kind belongs to this
// reply. The firmware prints the state line first (or skips it), so a
// state line always starts the next reply, as does a second stats line.
func (c *collector) continues(kind protocol.LineKind) bool {
	switch kind {
	case protocol.LineDiagStats:
		return !c.hasStats
	default:
		return false
	}
}

// Matcher is the reply correlation engine.
type Matcher struct {
	cfg     Config
	metrics *metrics.Metrics
	now     func() time.Time

	events   chan event
	stopping chan struct{}
	done     chan struct{}

	// closeMu guards closed. Senders hold it shared; shutdown takes it
	// exclusively so no send can start after the final drain.
	closeMu sync.RWMutex
	closed  bool

	// Owned by the Run goroutine.
	queue []*Request
	col   *collector

	statsMu sync.Mutex
	stats   Stats
}

// New creates a matcher. m may be nil.
func New(cfg Config, m *metrics.Metrics) *Matcher {
	return &Matcher{
		cfg:      cfg.withDefaults(),
		metrics:  m,
		now:      time.Now,
		events:   make(chan event, 256),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Add registers cmd and returns its request.
func (m *Matcher) Add(cmd protocol.Command, timeout time.Duration) *Request {
	req := NewRequest(cmd, timeout)
	m.AddPending(req)
	return req
}

// AddPending registers req. Commands that never get a reply resolve
// immediately and are not queued.
func (m *Matcher) AddPending(req *Request) {
	if !req.Command.ExpectsReply() {
		if req.resolve(Result{OK: true, NoReply: true, Kind: "no_reply"}) {
			m.count(func(s *Stats) { s.NoReply++ })
			m.metrics.Outcome("no_reply", "none", 0)
		}
		return
	}
	if !m.send(event{kind: evAdd, req: req, at: m.now()}) {
		m.rejectClosed(req)
	}
}

// ProcessLine hands one received line to the matcher.
func (m *Matcher) ProcessLine(line string) {
	m.send(event{kind: evLine, line: line, at: m.now()})
}

// Cancel removes req and resolves it with err. Used when the write that
// followed registration failed.
func (m *Matcher) Cancel(req *Request, err error) {
	if !m.send(event{kind: evCancel, req: req, err: err, at: m.now()}) {
		req.Fail(err)
	}
}

// Stats returns a snapshot of the counters.
func (m *Matcher) Stats() Stats {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return m.stats
}

// Done is closed after Run has rejected every outstanding request.
func (m *Matcher) Done() <-chan struct{} { return m.done }

func (m *Matcher) send(ev event) bool {
	m.closeMu.RLock()
	defer m.closeMu.RUnlock()
	if m.closed {
		return false
	}
	select {
	case m.events <- ev:
		return true
	case <-m.stopping:
		return false
	}
}

func (m *Matcher) rejectClosed(req *Request) {
	err := bridgeerrors.Wrap(bridgeerrors.KindShutdown, req.Command.Info().Name, bridgeerrors.ErrShutdown)
	if req.resolve(errorResult(err, 0)) {
		m.count(func(s *Stats) { s.Rejected++ })
		m.metrics.Outcome("shutdown", "", 0)
	}
}

// Run processes events until ctx is cancelled, then rejects everything
// still outstanding.
func (m *Matcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		var quietC <-chan time.Time
		if m.col != nil {
			quietC = m.col.quiet.C
		}

		select {
		case <-ctx.Done():
			m.shutdown()
			return nil
		case ev := <-m.events:
			m.handle(ev)
		case now := <-ticker.C:
			m.sweep(now)
		case <-quietC:
			m.onQuiet()
		}
		m.publish()
	}
}

func (m *Matcher) handle(ev event) {
	switch ev.kind {
	case evAdd:
		ev.req.sentAt = ev.at
		m.queue = append(m.queue, ev.req)
	case evLine:
		m.processLine(ev.line, ev.at)
	case evCancel:
		m.cancel(ev.req, ev.err, ev.at)
	}
}

func (m *Matcher) processLine(line string, at time.Time) {
	kind := protocol.ClassifyLine(line)

	if m.col != nil {
		if m.col.continues(kind) {
			m.col.add(line, kind, at)
			m.col.quiet.Reset(m.cfg.QuietPeriod)
			if len(m.col.lines) >= m.cfg.MaxDiagLines || m.col.bytes >= m.cfg.MaxDiagBytes {
				m.finalize(at, "cap reached")
			}
			return
		}
		m.finalize(at, "interrupted")
	}

	switch kind {
	case protocol.LineToken:
		m.resolveToken(line, at)
	case protocol.LineDiagState, protocol.LineDiagStats:
		m.startCollection(line, kind, at)
	default:
		m.count(func(s *Stats) { s.Noise++ })
		log.Printf("[matcher] discarding %s line %q", kind, line)
	}
}

func (m *Matcher) resolveToken(line string, at time.Time) {
	idx := m.oldest(func(r *Request) bool { return r.Command.Reply() != protocol.ReplyDiagnostics })
	if idx < 0 {
		m.count(func(s *Stats) { s.Unmatched++ })
		log.Printf("[matcher] %v: token %q with no pending request", bridgeerrors.ErrProtocolDesync, line)
		return
	}
	req := m.remove(idx)
	tok, _ := protocol.ParseToken(line)

	if !protocol.MatchesReply(req.Command, line) {
		m.count(func(s *Stats) { s.TagMismatches++ })
		log.Printf("[matcher] warning: %q resolved %s which expected tag %q", line, req.Command, req.Command.ReplyTag())
	}

	elapsed := at.Sub(req.sentAt)
	res := Result{
		OK:       tok.Success(),
		Token:    tok.Raw,
		Kind:     tok.Kind.String(),
		Elapsed:  elapsed,
		TimingMs: elapsed.Milliseconds(),
	}
	if tok.Kind == protocol.ResultValue || tok.Kind == protocol.ResultTrue || tok.Kind == protocol.ResultFalse {
		res.Value = tok.Result
	}
	if !res.OK {
		res.Err = bridgeerrors.Wrap(bridgeerrors.KindCommandRejected, req.Command.Info().Name,
			fmt.Errorf("%w: %s", bridgeerrors.ErrCommandRejected, tok.Raw))
		res.Error = res.Err.Error()
	}

	if req.resolve(res) {
		if res.OK {
			m.count(func(s *Stats) { s.Resolved++ })
			m.metrics.Outcome("ok", "token", elapsed)
		} else {
			m.count(func(s *Stats) { s.Rejected++ })
			m.metrics.Outcome("rejected", "token", elapsed)
		}
	}
}

func (m *Matcher) startCollection(line string, kind protocol.LineKind, at time.Time) {
	idx := m.oldest(func(r *Request) bool { return r.Command.Reply() == protocol.ReplyDiagnostics })
	if idx < 0 {
		m.count(func(s *Stats) { s.Unmatched++ })
		log.Printf("[matcher] %v: diagnostics line %q with no pending request", bridgeerrors.ErrProtocolDesync, line)
		return
	}
	m.col = &collector{
		req:   m.remove(idx),
		quiet: time.NewTimer(m.cfg.QuietPeriod),
	}
	m.col.add(line, kind, at)
}

func (m *Matcher) onQuiet() {
	now := m.now()
	if idle := now.Sub(m.col.lastAt); idle < m.cfg.QuietPeriod {
		m.col.quiet.Reset(m.cfg.QuietPeriod - idle)
		return
	}
	m.finalize(now, "quiet")
}

func (m *Matcher) finalize(at time.Time, reason string) {
	col := m.col
	m.col = nil
	col.quiet.Stop()

	diag := protocol.ParseDiagnostics(col.lines)
	elapsed := at.Sub(col.req.sentAt)
	res := Result{
		OK:          true,
		Kind:        "diagnostics",
		Lines:       col.lines,
		Diagnostics: &diag,
		Elapsed:     elapsed,
		TimingMs:    elapsed.Milliseconds(),
	}
	if col.req.resolve(res) {
		m.count(func(s *Stats) { s.Resolved++ })
		m.metrics.Outcome("ok", "diagnostics", elapsed)
	}
	if reason != "quiet" {
		log.Printf("[matcher] diagnostics finalized with %d line(s): %s", len(col.lines), reason)
	}
}

func (m *Matcher) sweep(now time.Time) {
	kept := m.queue[:0]
	for _, req := range m.queue {
		if now.Sub(req.sentAt) < req.Timeout {
			kept = append(kept, req)
			continue
		}
		err := bridgeerrors.Wrap(bridgeerrors.KindCommandTimeout, "", bridgeerrors.ErrCommandTimeout)
		if req.resolve(errorResult(err, now.Sub(req.sentAt))) {
			m.count(func(s *Stats) { s.TimedOut++ })
			m.metrics.Outcome("timeout", "", 0)
			log.Printf("[matcher] %s timed out after %s", req.Command, req.Timeout)
		}
	}
	for i := len(kept); i < len(m.queue); i++ {
		m.queue[i] = nil
	}
	m.queue = kept

	if m.col != nil && now.Sub(m.col.req.sentAt) > 2*m.col.req.Timeout {
		m.finalize(now, "overdue")
	}
}

func (m *Matcher) cancel(req *Request, err error, at time.Time) {
	for i, r := range m.queue {
		if r == req {
			m.remove(i)
			break
		}
	}
	if m.col != nil && m.col.req == req {
		m.col.quiet.Stop()
		m.col = nil
	}
	if req.resolve(errorResult(err, at.Sub(req.sentAt))) {
		m.count(func(s *Stats) { s.Rejected++ })
		m.metrics.Outcome("cancelled", "", 0)
	}
}

func (m *Matcher) shutdown() {
	close(m.stopping)
	m.closeMu.Lock()
	m.closed = true
	m.closeMu.Unlock()

drain:
	for {
		select {
		case ev := <-m.events:
			switch ev.kind {
			case evAdd:
				m.rejectClosed(ev.req)
			case evCancel:
				ev.req.Fail(ev.err)
			}
		default:
			break drain
		}
	}

	for _, req := range m.queue {
		m.rejectClosed(req)
	}
	m.queue = nil
	if m.col != nil {
		m.col.quiet.Stop()
		m.rejectClosed(m.col.req)
		m.col = nil
	}
	m.publish()
	close(m.done)
}

func (m *Matcher) oldest(match func(*Request) bool) int {
	for i, r := range m.queue {
		if match(r) {
			return i
		}
	}
	return -1
}

func (m *Matcher) remove(i int) *Request {
	req := m.queue[i]
	copy(m.queue[i:], m.queue[i+1:])
	m.queue[len(m.queue)-1] = nil
	m.queue = m.queue[:len(m.queue)-1]
	return req
}

func (m *Matcher) count(fn func(*Stats)) {
	m.statsMu.Lock()
	fn(&m.stats)
	m.statsMu.Unlock()
}

func (m *Matcher) publish() {
	pending, collecting := len(m.queue), m.col != nil
	m.count(func(s *Stats) {
		s.Pending = pending
		s.Collecting = collecting
	})
}
