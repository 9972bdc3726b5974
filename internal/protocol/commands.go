package protocol

// Value ranges enforced by the firmware.
const (
	MotionMin = -255
	MotionMax = 255

	SetpointTTLMin = 150
	SetpointTTLMax = 300

	ServoMin = 0
	ServoMax = 180

	MacroTTLMin  = 1000
	MacroTTLMax  = 10000
	IntensityMax = 255
)

// Macro identifiers for OpMacro.
const (
	MacroFigure8 = 1 + iota
	MacroSpin360
	MacroWiggle
	MacroForwardThenStop
)

// Drive config selectors for OpDriveConfig.
const (
	DriveConfigDeadband = 1 + iota
	DriveConfigAccelStep
	DriveConfigDecelStep
	DriveConfigKick
	DriveConfigMaxPWM
)

// Clamp limits v to [lo, hi].
func Clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ClampMotion limits a forward/turn or PWM component.
func ClampMotion(v int) int { return Clamp(v, MotionMin, MotionMax) }

// ClampSetpointTTL limits a setpoint TTL to the firmware window.
func ClampSetpointTTL(ms int) int { return Clamp(ms, SetpointTTLMin, SetpointTTLMax) }

func intp(v int) *int { return &v }

// Hello is the handshake command. The firmware answers {hello_ok}.
func Hello() Command {
	return Command{N: OpHello}
}

// Stop halts the motors immediately.
func Stop() Command {
	return Command{N: OpStop, H: Lookup(OpStop).Tag}
}

// Setpoint is the streaming drive command. The firmware never replies.
func Setpoint(v, w, ttlMs int) Command {
	return Command{
		N:  OpSetpoint,
		D1: intp(ClampMotion(v)),
		D2: intp(ClampMotion(w)),
		T:  intp(ClampSetpointTTL(ttlMs)),
	}
}

// DirectMotor drives the left and right motors with raw PWM values.
func DirectMotor(left, right int) Command {
	return Command{
		N:  OpDirectMotor,
		H:  Lookup(OpDirectMotor).Tag,
		D1: intp(ClampMotion(left)),
		D2: intp(ClampMotion(right)),
	}
}

// DiagnosticsCmd requests the multi-line state + stats dump.
func DiagnosticsCmd() Command {
	return Command{N: OpDiagnostics}
}

// Servo points the pan servo at angle degrees.
func Servo(angle int) Command {
	return Command{N: OpServo, H: Lookup(OpServo).Tag, D1: intp(Clamp(angle, ServoMin, ServoMax))}
}

// Ultrasonic reads the range sensor. mode 1 answers true/false for an
// obstacle within 20 cm, mode 2 answers the distance in cm.
func Ultrasonic(mode int) Command {
	return Command{N: OpUltrasonic, H: Lookup(OpUltrasonic).Tag, D1: intp(Clamp(mode, 1, 2))}
}

// LineSensor reads one tracking sensor: 0 left, 1 middle, 2 right.
func LineSensor(which int) Command {
	return Command{N: OpLineSensor, H: Lookup(OpLineSensor).Tag, D1: intp(Clamp(which, 0, 2))}
}

// Battery reads the pack voltage in mV, or ADC detail when raw is set.
func Battery(raw bool) Command {
	d1 := 0
	if raw {
		d1 = 1
	}
	return Command{N: OpBattery, H: Lookup(OpBattery).Tag, D1: intp(d1)}
}

// Macro starts one of the firmware's canned motion sequences.
func Macro(id, intensity, ttlMs int) Command {
	return Command{
		N:  OpMacro,
		H:  Lookup(OpMacro).Tag,
		D1: intp(id),
		D2: intp(Clamp(intensity, 0, IntensityMax)),
		T:  intp(Clamp(ttlMs, MacroTTLMin, MacroTTLMax)),
	}
}

// MacroCancel aborts a running macro.
func MacroCancel() Command {
	return Command{N: OpMacroCancel, H: Lookup(OpMacroCancel).Tag}
}

// DriveConfig sets one drive safety parameter.
func DriveConfig(selector, value int) Command {
	return Command{N: OpDriveConfig, H: Lookup(OpDriveConfig).Tag, D1: intp(selector), D2: intp(value)}
}

// Reinit re-runs the firmware init sequence.
func Reinit() Command {
	return Command{N: OpReinit, H: Lookup(OpReinit).Tag}
}

// WithDefaults fills H from the opcode table when the caller left it empty.
func WithDefaults(c Command) Command {
	if c.H == "" {
		c.H = Lookup(c.N).Tag
	}
	return c
}
