// Package sim emulates the robot firmware on the far side of the serial
// link. It is used by --demo and by end-to-end tests.
package sim

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/shaunagostinho/zipbridge/internal/protocol"
	"github.com/shaunagostinho/zipbridge/internal/transport"
)

// ErrClosed is returned by I/O on a closed Firmware.
var ErrClosed = errors.New("sim: port closed")

// Options tune the simulated timing.
type Options struct {
	// ReplyDelay is added before every reply.
	ReplyDelay time.Duration
	// BootDelay is the time from a DTR reset to the boot marker.
	BootDelay time.Duration
	// MuteHello makes the firmware ignore the handshake.
	MuteHello bool
}

// DemoOptions approximate an Uno over USB.
func DemoOptions() Options {
	return Options{ReplyDelay: 4 * time.Millisecond, BootDelay: 400 * time.Millisecond}
}

// Opener returns a transport.Opener that hands out a fresh Firmware on every
// open, the way a re-plugged board comes back.
func Opener(opts Options) transport.Opener {
	return func(path string, baud int) (transport.Port, error) {
		return New(opts), nil
	}
}

type reply struct {
	at   time.Time
	text string
}

// Firmware implements transport.Port.
type Firmware struct {
	opts Options

	rx       chan []byte
	pending  []byte
	outbox   chan reply
	closed   chan struct{}
	closeMux sync.Once

	mu        sync.Mutex
	partial   []byte
	dtr       bool
	received  []protocol.Command
	rng       *rand.Rand
	owner     byte
	leftPWM   int
	rightPWM  int
	motion    int
	resets    int
	servo     int
	deadline  time.Time
	lastCmdAt time.Time
	dropped   int
	parseErrs int
}

// New starts a simulated board. DTR starts asserted, as after opening a
// real port.
func New(opts Options) *Firmware {
	f := &Firmware{
		opts:   opts,
		rx:     make(chan []byte, 256),
		outbox: make(chan reply, 256),
		closed: make(chan struct{}),
		dtr:    true,
		owner:  'I',
		servo:  90,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	go f.deliver()
	return f
}

// deliver moves replies to the read side in order, honouring their delay.
func (f *Firmware) deliver() {
	for {
		select {
		case <-f.closed:
			return
		case r := <-f.outbox:
			if wait := time.Until(r.at); wait > 0 {
				select {
				case <-time.After(wait):
				case <-f.closed:
					return
				}
			}
			select {
			case f.rx <- []byte(r.text + "\r\n"):
			case <-f.closed:
				return
			}
		}
	}
}

func (f *Firmware) Read(p []byte) (int, error) {
	if len(f.pending) == 0 {
		select {
		case chunk := <-f.rx:
			f.pending = chunk
		case <-f.closed:
			return 0, ErrClosed
		}
	}
	n := copy(p, f.pending)
	f.pending = f.pending[n:]
	return n, nil
}

func (f *Firmware) Write(p []byte) (int, error) {
	select {
	case <-f.closed:
		return 0, ErrClosed
	default:
	}

	f.mu.Lock()
	f.partial = append(f.partial, p...)
	var lines []string
	for {
		i := strings.IndexByte(string(f.partial), '\n')
		if i < 0 {
			break
		}
		lines = append(lines, string(f.partial[:i]))
		f.partial = f.partial[i+1:]
	}
	f.mu.Unlock()

	for _, line := range lines {
		f.handle(strings.TrimSpace(line))
	}
	return len(p), nil
}

func (f *Firmware) Close() error {
	f.closeMux.Do(func() { close(f.closed) })
	return nil
}

// SetDTR resets the board on a rising edge.
func (f *Firmware) SetDTR(dtr bool) error {
	f.mu.Lock()
	rising := dtr && !f.dtr
	f.dtr = dtr
	f.mu.Unlock()
	if rising {
		f.Reset()
	}
	return nil
}

// Reset reboots the board: motion is cleared and the banner plus boot
// marker are printed after BootDelay.
func (f *Firmware) Reset() {
	f.mu.Lock()
	f.resets++
	f.owner = 'I'
	f.leftPWM, f.rightPWM, f.motion = 0, 0, 0
	f.deadline = time.Time{}
	f.mu.Unlock()

	at := time.Now().Add(f.opts.BootDelay)
	f.queueAt(at, "HW:sim0 imu=1 batt=7400")
	f.queueAt(at, protocol.BootMarker)
}

// Received returns every command the board accepted.
func (f *Firmware) Received() []protocol.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Command(nil), f.received...)
}

func (f *Firmware) queue(text string) {
	f.queueAt(time.Now().Add(f.opts.ReplyDelay), text)
}

func (f *Firmware) queueAt(at time.Time, text string) {
	select {
	case f.outbox <- reply{at: at, text: text}:
	case <-f.closed:
	}
}

func (f *Firmware) handle(line string) {
	if line == "" {
		return
	}
	f.mu.Lock()
	if len(line) > protocol.MaxCommandLen {
		f.dropped++
		f.mu.Unlock()
		return
	}
	cmd, err := protocol.ParseCommand(line)
	if err != nil {
		f.parseErrs++
		f.mu.Unlock()
		return
	}
	f.received = append(f.received, cmd)
	f.lastCmdAt = time.Now()
	f.mu.Unlock()

	for _, out := range f.respond(cmd) {
		f.queue(out)
	}
}

func (f *Firmware) respond(cmd protocol.Command) []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	h := cmd.H
	if len(h) > protocol.MaxTagLen {
		h = h[:protocol.MaxTagLen]
	}
	ok := fmt.Sprintf("{%s_ok}", h)

	switch cmd.N {
	case protocol.OpHello:
		if f.opts.MuteHello {
			return nil
		}
		return []string{"{hello_ok}"}
	case protocol.OpServo:
		f.servo = protocol.Clamp(val(cmd.D1), protocol.ServoMin, protocol.ServoMax)
		return []string{ok}
	case protocol.OpUltrasonic:
		dist := 15 + f.rng.Intn(120)
		switch val(cmd.D1) {
		case 1:
			return []string{fmt.Sprintf("{%s_%t}", h, dist <= 20)}
		case 2:
			return []string{fmt.Sprintf("{%s_%d}", h, dist)}
		default:
			return []string{ok}
		}
	case protocol.OpLineSensor:
		return []string{fmt.Sprintf("{%s_%d}", h, 200+f.rng.Intn(600))}
	case protocol.OpBattery:
		mv := 7300 + f.rng.Intn(200)
		if val(cmd.D1) == 1 {
			adc := mv * 1023 / 3 / 5000
			return []string{fmt.Sprintf("{%s_adc:%d,a3_mv:%d,batt_mv:%d}", h, adc, adc*5000/1023, mv)}
		}
		return []string{fmt.Sprintf("{%s_%d}", h, mv)}
	case protocol.OpLegacyStop, protocol.OpLegacyStop2:
		f.halt('X')
		return []string{"{ok}"}
	case protocol.OpDiagnostics:
		return f.diagnostics()
	case protocol.OpReinit, protocol.OpDriveConfig, protocol.OpMacroCancel:
		return []string{ok}
	case protocol.OpSetpoint:
		v, w := protocol.ClampMotion(val(cmd.D1)), protocol.ClampMotion(val(cmd.D2))
		f.owner = 'M'
		f.leftPWM = protocol.ClampMotion(v - w)
		f.rightPWM = protocol.ClampMotion(v + w)
		f.motion = 1
		f.deadline = time.Now().Add(time.Duration(protocol.ClampSetpointTTL(val(cmd.T))) * time.Millisecond)
		return nil
	case protocol.OpStop:
		f.halt('X')
		return []string{ok}
	case protocol.OpMacro:
		if id := val(cmd.D1); id < protocol.MacroFigure8 || id > protocol.MacroForwardThenStop {
			return []string{fmt.Sprintf("{%s_false}", h)}
		}
		f.owner = 'C'
		f.motion = 2
		return []string{ok}
	case protocol.OpDirectMotor:
		f.owner = 'D'
		f.leftPWM = protocol.ClampMotion(val(cmd.D1))
		f.rightPWM = protocol.ClampMotion(val(cmd.D2))
		f.motion = 3
		return []string{ok}
	case 2, 7:
		// Timer-driven legacy commands answer late in the stock firmware.
		return nil
	default:
		if h == "" {
			return []string{"{ok}"}
		}
		return []string{ok}
	}
}

func (f *Firmware) diagnostics() []string {
	if f.owner == 'M' && time.Now().After(f.deadline) {
		f.leftPWM, f.rightPWM, f.motion = 0, 0, 0
	}
	var since int64
	if !f.lastCmdAt.IsZero() {
		since = time.Since(f.lastCmdAt).Milliseconds()
	}
	return []string{
		fmt.Sprintf("{%c%d,%d,%d,%d,hw:sim0,imu:1,ram:%d,min:%d,servo:%d}",
			f.owner, f.leftPWM, f.rightPWM, f.motion, f.resets, 610+f.rng.Intn(20), 580, f.servo),
		fmt.Sprintf("{stats:rx=0,jd=%d,pe=%d,tx=0,ms=%d}", f.dropped, f.parseErrs, since),
	}
}

func (f *Firmware) halt(owner byte) {
	f.owner = owner
	f.leftPWM, f.rightPWM, f.motion = 0, 0, 0
	f.deadline = time.Time{}
}

func val(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
