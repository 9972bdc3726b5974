// Package transport owns the serial link to the firmware: opening the port,
// framing lines, the reset/boot/handshake state machine and reconnecting
// after I/O failures.
package transport

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	bridgeerrors "github.com/shaunagostinho/zipbridge/internal/errors"
	"github.com/shaunagostinho/zipbridge/internal/metrics"
	"github.com/shaunagostinho/zipbridge/internal/protocol"
	"github.com/shaunagostinho/zipbridge/internal/trafficlog"
)

// State is the link state.
type State int

const (
	StateClosed State = iota
	StateOpening
	StateAwaitingBoot
	StateHandshaking
	StateReady
	// StateDegraded means the port is open but hello went unanswered. A
	// later boot marker restarts the handshake.
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateAwaitingBoot:
		return "awaiting_boot"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText lets State appear by name in JSON snapshots.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Event is delivered to subscribers on every state change.
type Event struct {
	State  State     `json:"state"`
	Prev   State     `json:"prev"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Stats are link counters since process start.
type Stats struct {
	Port              string    `json:"port"`
	RxLines           uint64    `json:"rxLines"`
	RxBytes           uint64    `json:"rxBytes"`
	TxLines           uint64    `json:"txLines"`
	TxBytes           uint64    `json:"txBytes"`
	DroppedLines      uint64    `json:"droppedLines"`
	BootMarkers       uint64    `json:"bootMarkers"`
	ResetsDetected    uint64    `json:"resetsDetected"`
	Reconnects        uint64    `json:"reconnects"`
	HandshakeFailures uint64    `json:"handshakeFailures"`
	LastRx            time.Time `json:"lastRx"`
	ConnectedAt       time.Time `json:"connectedAt"`
}

// Config controls the link.
type Config struct {
	Port          string
	Baud          int
	Settle        time.Duration
	BootTimeout   time.Duration
	HelloTimeout  time.Duration
	HelloAttempts int
	Reconnect     time.Duration
	MaxLineLen    int
}

func (c Config) withDefaults() Config {
	if c.Port == "" {
		c.Port = AutoPort
	}
	if c.Baud <= 0 {
		c.Baud = 115200
	}
	if c.Settle < 0 {
		c.Settle = 0
	}
	if c.BootTimeout <= 0 {
		c.BootTimeout = 1500 * time.Millisecond
	}
	if c.HelloTimeout <= 0 {
		c.HelloTimeout = 300 * time.Millisecond
	}
	if c.HelloAttempts <= 0 {
		c.HelloAttempts = 3
	}
	if c.Reconnect <= 0 {
		c.Reconnect = 2 * time.Second
	}
	if c.MaxLineLen <= 0 {
		c.MaxLineLen = DefaultMaxLineLen
	}
	return c
}

// dtrPulse is how long DTR is held low to reset the board.
const dtrPulse = 50 * time.Millisecond

// Transport is the single owner of the serial port.
type Transport struct {
	cfg     Config
	open    Opener
	metrics *metrics.Metrics
	traffic *trafficlog.Logger

	mu       sync.RWMutex
	state    State
	port     Port
	fail     chan error
	stats    Stats
	subs     []func(Event)
	handlers []func(string)

	// writeMu serializes writes so bytes leave in submission order.
	writeMu sync.Mutex
}

// New creates a transport. A nil opener means OpenSerial; m and traffic may
// be nil.
func New(cfg Config, open Opener, m *metrics.Metrics, traffic *trafficlog.Logger) *Transport {
	if open == nil {
		open = OpenSerial
	}
	cfg = cfg.withDefaults()
	return &Transport{
		cfg:     cfg,
		open:    open,
		metrics: m,
		traffic: traffic,
		stats:   Stats{Port: cfg.Port},
	}
}

// Subscribe registers fn for state changes. fn runs on the transport's
// goroutine and must not block.
func (t *Transport) Subscribe(fn func(Event)) {
	t.mu.Lock()
	t.subs = append(t.subs, fn)
	t.mu.Unlock()
}

// OnLine registers fn for every received line except consumed hello
// replies. fn runs on the transport's goroutine and must not block.
func (t *Transport) OnLine(fn func(string)) {
	t.mu.Lock()
	t.handlers = append(t.handlers, fn)
	t.mu.Unlock()
}

// State returns the current link state.
func (t *Transport) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Ready reports whether commands can be written.
func (t *Transport) Ready() bool { return t.State() == StateReady }

// Stats returns a copy of the link counters.
func (t *Transport) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stats
}

// WriteCommand frames cmd and writes it. It does not wait for a reply.
func (t *Transport) WriteCommand(cmd protocol.Command) error {
	t.mu.RLock()
	state, port, fail := t.state, t.port, t.fail
	t.mu.RUnlock()

	if state != StateReady || port == nil {
		return bridgeerrors.Wrap(bridgeerrors.KindNotReady, "write "+cmd.Info().Name,
			fmt.Errorf("%w (state %s)", bridgeerrors.ErrNotReady, state))
	}
	return t.write(port, fail, cmd)
}

func (t *Transport) write(port Port, fail chan error, cmd protocol.Command) error {
	frame, err := cmd.Frame()
	if err != nil {
		return bridgeerrors.Wrap(bridgeerrors.KindValidation, "encode", err)
	}

	t.writeMu.Lock()
	_, err = port.Write(frame)
	t.writeMu.Unlock()

	if err != nil {
		err = bridgeerrors.Transport("write", err)
		select {
		case fail <- err:
		default:
		}
		return err
	}

	t.mu.Lock()
	t.stats.TxLines++
	t.stats.TxBytes += uint64(len(frame))
	t.mu.Unlock()
	t.metrics.TxBytes(len(frame))
	t.traffic.Record(trafficlog.DirTX, string(frame[:len(frame)-1]))
	return nil
}

func (t *Transport) setState(s State, reason string) {
	t.mu.Lock()
	prev := t.state
	if prev == s {
		t.mu.Unlock()
		return
	}
	t.state = s
	subs := append([]func(Event){}, t.subs...)
	t.mu.Unlock()

	t.metrics.SetTransportState(int(s))
	if reason != "" {
		log.Printf("[serial] %s -> %s (%s)", prev, s, reason)
	} else {
		log.Printf("[serial] %s -> %s", prev, s)
	}

	ev := Event{State: s, Prev: prev, Reason: reason, At: time.Now()}
	for _, fn := range subs {
		fn(ev)
	}
}

func (t *Transport) dispatchLine(line string) {
	t.mu.RLock()
	handlers := t.handlers
	t.mu.RUnlock()
	for _, fn := range handlers {
		fn(line)
	}
}

// Run keeps the link up until ctx is cancelled. Failures close the port and
// retry after a fixed delay.
func (t *Transport) Run(ctx context.Context) error {
	for {
		err := t.session(ctx)
		if ctx.Err() != nil {
			t.setState(StateClosed, "shutdown")
			return nil
		}

		t.setState(StateClosed, err.Error())
		log.Printf("[serial] reconnecting in %s", t.cfg.Reconnect)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(t.cfg.Reconnect):
		}

		t.mu.Lock()
		t.stats.Reconnects++
		t.mu.Unlock()
		t.metrics.Reconnect()
	}
}

// session opens the port and runs the state machine until the link fails.
func (t *Transport) session(ctx context.Context) error {
	t.setState(StateOpening, "")

	path := t.cfg.Port
	if path == AutoPort {
		name, err := AutoSelectPort()
		if err != nil {
			return bridgeerrors.Transport("auto-select", err)
		}
		path = name
	}

	port, err := t.open(path, t.cfg.Baud)
	if err != nil {
		return bridgeerrors.Transport("open "+path, err)
	}
	log.Printf("[serial] opened %s at %d baud", path, t.cfg.Baud)

	sctx, cancel := context.WithCancel(ctx)
	fail := make(chan error, 1)
	lines := make(chan string, 64)
	readErr := make(chan error, 1)
	readDone := make(chan struct{})

	t.mu.Lock()
	t.port = port
	t.fail = fail
	t.stats.Port = path
	t.stats.ConnectedAt = time.Now()
	t.mu.Unlock()

	go func() {
		defer close(readDone)
		t.readLoop(sctx, port, lines, readErr)
	}()

	defer func() {
		t.mu.Lock()
		t.port = nil
		t.fail = nil
		t.mu.Unlock()
		cancel()
		port.Close()
		<-readDone
	}()

	s := &session{t: t, port: port, fail: fail}
	return s.run(sctx, lines, readErr)
}

func (t *Transport) readLoop(ctx context.Context, port Port, lines chan<- string, errc chan<- error) {
	framer := NewLineFramer(t.cfg.MaxLineLen)
	buf := make([]byte, 256)
	for {
		n, err := port.Read(buf)
		if n > 0 {
			got, dropped := framer.Push(buf[:n])

			t.mu.Lock()
			t.stats.RxBytes += uint64(n)
			t.stats.DroppedLines += uint64(dropped)
			t.mu.Unlock()
			if dropped > 0 {
				log.Printf("[serial] dropped %d overlong line(s)", dropped)
			}

			for _, line := range got {
				select {
				case lines <- line:
				case <-ctx.Done():
					return
				}
			}
		}
		if err != nil {
			if ctx.Err() == nil {
				errc <- err
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// session is the per-connection state machine. Only its run goroutine
// touches it.
type session struct {
	t    *Transport
	port Port
	fail chan error

	bootTimer  *time.Timer
	bootC      <-chan time.Time
	helloTimer *time.Timer
	helloC     <-chan time.Time
	attempts   int
	// hellosOut counts hello commands whose reply has not been seen, so a
	// late reply from an earlier attempt is not forwarded to the matcher.
	hellosOut int
}

func (s *session) run(ctx context.Context, lines <-chan string, readErr <-chan error) error {
	defer s.stopBootTimer()
	defer s.stopHelloTimer()

	if err := s.resetBoard(ctx); err != nil {
		return err
	}

	s.t.setState(StateAwaitingBoot, "")
	s.bootTimer = time.NewTimer(s.t.cfg.BootTimeout)
	s.bootC = s.bootTimer.C

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-readErr:
			return bridgeerrors.Transport("read", err)

		case err := <-s.fail:
			return err

		case <-s.bootC:
			s.bootC = nil
			log.Printf("[serial] warning: no boot marker within %s, handshaking anyway", s.t.cfg.BootTimeout)
			s.startHandshake("boot marker timeout")

		case <-s.helloC:
			s.helloC = nil
			if s.attempts >= s.t.cfg.HelloAttempts {
				s.t.mu.Lock()
				s.t.stats.HandshakeFailures++
				s.t.mu.Unlock()
				s.t.setState(StateDegraded, fmt.Sprintf("no hello reply after %d attempts", s.attempts))
				continue
			}
			s.sendHello()

		case line := <-lines:
			s.handleLine(line)
		}
	}
}

// resetBoard pulses DTR, which restarts the microcontroller, then waits for
// the bootloader. Lines arriving meanwhile stay queued for the state machine.
func (s *session) resetBoard(ctx context.Context) error {
	if err := s.port.SetDTR(false); err != nil {
		log.Printf("[serial] warning: DTR reset unsupported: %v", err)
	} else {
		if err := sleep(ctx, dtrPulse); err != nil {
			return err
		}
		if err := s.port.SetDTR(true); err != nil {
			log.Printf("[serial] warning: DTR raise failed: %v", err)
		}
	}
	return sleep(ctx, s.t.cfg.Settle)
}

func (s *session) handleLine(line string) {
	t := s.t
	kind := protocol.ClassifyLine(line)

	t.mu.Lock()
	t.stats.RxLines++
	t.stats.LastRx = time.Now()
	state := t.state
	t.mu.Unlock()
	t.metrics.Line(kind.String(), len(line)+1)
	t.traffic.Record(trafficlog.DirRX, line)

	if kind == protocol.LineBoot {
		t.mu.Lock()
		t.stats.BootMarkers++
		t.mu.Unlock()
		t.dispatchLine(line)
		s.onBootMarker(state)
		return
	}

	if protocol.IsHelloReply(line) {
		if state != StateReady {
			if s.hellosOut > 0 {
				s.hellosOut--
			}
			s.stopHelloTimer()
			t.setState(StateReady, "hello acknowledged")
			return
		}
		if s.hellosOut > 0 {
			s.hellosOut--
			return
		}
	}

	t.dispatchLine(line)
}

func (s *session) onBootMarker(state State) {
	// Whatever hellos were in flight died with the reset.
	s.hellosOut = 0

	switch state {
	case StateReady:
		s.t.mu.Lock()
		s.t.stats.ResetsDetected++
		s.t.mu.Unlock()
		s.t.metrics.FirmwareReset()
		s.t.setState(StateAwaitingBoot, "firmware reset detected")
		s.startHandshake("boot marker")
	case StateAwaitingBoot:
		s.startHandshake("boot marker")
	default:
		s.startHandshake("boot marker during " + state.String())
	}
}

func (s *session) startHandshake(reason string) {
	s.stopBootTimer()
	s.stopHelloTimer()
	s.attempts = 0
	s.t.setState(StateHandshaking, reason)
	s.sendHello()
}

func (s *session) sendHello() {
	s.attempts++
	s.hellosOut++
	if err := s.t.write(s.port, s.fail, protocol.Hello()); err != nil {
		log.Printf("[serial] hello attempt %d: %v", s.attempts, err)
	}
	s.helloTimer = time.NewTimer(s.t.cfg.HelloTimeout)
	s.helloC = s.helloTimer.C
}

func (s *session) stopBootTimer() {
	if s.bootTimer != nil {
		s.bootTimer.Stop()
		s.bootTimer = nil
	}
	s.bootC = nil
}

func (s *session) stopHelloTimer() {
	if s.helloTimer != nil {
		s.helloTimer.Stop()
		s.helloTimer = nil
	}
	s.helloC = nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
