// Package protocol implements the ZIP robot firmware's line-oriented JSON
// command protocol: command encoding, the opcode table, value clamps and the
// classifiers that decide what shape a received line has.
//
// Commands are single JSON objects terminated by '\n':
//
//	{"N":201,"H":"stop"}
//	{"N":200,"D1":120,"D2":-40,"T":200}
//
// Replies carry no request identifier. A single-line reply is a token
// "{<tag>_<result>}"; diagnostics (N=120) answer with two or more lines that
// end with a quiet period; the firmware prints a lone "R" after every reset.
package protocol

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Opcodes understood by the firmware.
const (
	OpHello       = 0
	OpServo       = 5
	OpUltrasonic  = 21
	OpLineSensor  = 22
	OpBattery     = 23
	OpLegacyStop  = 100
	OpLegacyStop2 = 110
	OpDiagnostics = 120
	OpReinit      = 130
	OpDriveConfig = 140
	OpSetpoint    = 200
	OpStop        = 201
	OpMacro       = 210
	OpMacroCancel = 211
	OpDirectMotor = 999
)

const (
	// BootMarker is the line the firmware prints once at the end of setup().
	BootMarker = "R"
	// MaxTagLen is the size of the firmware's H buffer minus the terminator.
	MaxTagLen = 7
	// MaxCommandLen is the firmware's JSON line limit; longer lines are dropped.
	MaxCommandLen = 64
	// MinOpcode and MaxOpcode bound N.
	MinOpcode = 0
	MaxOpcode = 999
)

// Priority orders commands in the dispatcher. Lower values go first.
type Priority int

const (
	PriorityStop Priority = iota
	PriorityDiagnostics
	PriorityDirectMotor
	PriorityCommand
	PriorityStream

	NumPriorities = int(PriorityStream) + 1
)

func (p Priority) String() string {
	switch p {
	case PriorityStop:
		return "stop"
	case PriorityDiagnostics:
		return "diagnostics"
	case PriorityDirectMotor:
		return "direct_motor"
	case PriorityCommand:
		return "command"
	case PriorityStream:
		return "stream"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ReplyKind describes what, if anything, the firmware sends back.
type ReplyKind int

const (
	ReplyToken ReplyKind = iota
	ReplyNone
	ReplyDiagnostics
)

func (k ReplyKind) String() string {
	switch k {
	case ReplyNone:
		return "none"
	case ReplyDiagnostics:
		return "diagnostics"
	default:
		return "token"
	}
}

// OpInfo is one row of the opcode table.
type OpInfo struct {
	Name     string
	Reply    ReplyKind
	Priority Priority
	// Tag is used for H when the caller leaves it empty.
	Tag string
	// FixedReplyTag is set when the firmware ignores H in its reply.
	FixedReplyTag *string
}

var (
	helloTag = "hello"
	noTag    = ""
)

var opTable = map[int]OpInfo{
	OpHello:       {Name: "hello", Reply: ReplyToken, Priority: PriorityCommand, FixedReplyTag: &helloTag},
	OpServo:       {Name: "servo", Reply: ReplyToken, Priority: PriorityCommand, Tag: "sv"},
	OpUltrasonic:  {Name: "ultrasonic", Reply: ReplyToken, Priority: PriorityCommand, Tag: "us"},
	OpLineSensor:  {Name: "line_sensor", Reply: ReplyToken, Priority: PriorityCommand, Tag: "ln"},
	OpBattery:     {Name: "battery", Reply: ReplyToken, Priority: PriorityCommand, Tag: "bat"},
	OpLegacyStop:  {Name: "legacy_stop", Reply: ReplyToken, Priority: PriorityStop, FixedReplyTag: &noTag},
	OpLegacyStop2: {Name: "legacy_stop", Reply: ReplyToken, Priority: PriorityStop, FixedReplyTag: &noTag},
	OpDiagnostics: {Name: "diagnostics", Reply: ReplyDiagnostics, Priority: PriorityDiagnostics},
	OpReinit:      {Name: "reinit", Reply: ReplyToken, Priority: PriorityCommand, Tag: "ini"},
	OpDriveConfig: {Name: "drive_config", Reply: ReplyToken, Priority: PriorityCommand, Tag: "cfg"},
	OpSetpoint:    {Name: "setpoint", Reply: ReplyNone, Priority: PriorityStream},
	OpStop:        {Name: "stop", Reply: ReplyToken, Priority: PriorityStop, Tag: "stop"},
	OpMacro:       {Name: "macro", Reply: ReplyToken, Priority: PriorityCommand, Tag: "mac"},
	OpMacroCancel: {Name: "macro_cancel", Reply: ReplyToken, Priority: PriorityCommand, Tag: "mac"},
	OpDirectMotor: {Name: "direct_motor", Reply: ReplyToken, Priority: PriorityDirectMotor, Tag: "dm"},
}

// Lookup returns the table row for n. Unknown opcodes are legacy ELEGOO
// commands, which all answer with a token.
func Lookup(n int) OpInfo {
	if info, ok := opTable[n]; ok {
		return info
	}
	return OpInfo{Name: fmt.Sprintf("legacy_%d", n), Reply: ReplyToken, Priority: PriorityCommand}
}

// Command is one firmware command. Optional fields are pointers so unset
// values are omitted from the wire form.
type Command struct {
	N  int    `json:"N"`
	H  string `json:"H,omitempty"`
	D1 *int   `json:"D1,omitempty"`
	D2 *int   `json:"D2,omitempty"`
	T  *int   `json:"T,omitempty"`
}

// Info returns the opcode table row for the command.
func (c Command) Info() OpInfo { return Lookup(c.N) }

// Reply returns what the firmware answers to this command.
func (c Command) Reply() ReplyKind { return Lookup(c.N).Reply }

// ExpectsReply reports whether the command produces any reply line.
func (c Command) ExpectsReply() bool { return c.Reply() != ReplyNone }

// Priority returns the dispatcher class for the command.
func (c Command) Priority() Priority { return Lookup(c.N).Priority }

// ReplyTag is the tag the firmware will put in front of the result.
func (c Command) ReplyTag() string {
	info := Lookup(c.N)
	if info.FixedReplyTag != nil {
		return *info.FixedReplyTag
	}
	if len(c.H) > MaxTagLen {
		return c.H[:MaxTagLen]
	}
	return c.H
}

// Encode returns the minimal JSON form of the command without terminator.
func (c Command) Encode() ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode N=%d: %w", c.N, err)
	}
	if len(data) > MaxCommandLen {
		return nil, fmt.Errorf("protocol: encoded command is %d bytes, firmware limit is %d", len(data), MaxCommandLen)
	}
	return data, nil
}

// Frame returns the encoded command followed by '\n'.
func (c Command) Frame() ([]byte, error) {
	data, err := c.Encode()
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func (c Command) String() string {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Sprintf("{N:%d}", c.N)
	}
	return string(data)
}

// ParseCommand decodes a wire command line. Used by the simulator and tests.
func ParseCommand(line string) (Command, error) {
	var c Command
	line = strings.TrimSpace(line)
	if err := json.Unmarshal([]byte(line), &c); err != nil {
		return Command{}, fmt.Errorf("protocol: parse command %q: %w", line, err)
	}
	return c, nil
}

var tagPattern = regexp.MustCompile(`^[A-Za-z0-9]*$`)

// ValidTag reports whether h can be sent as H.
func ValidTag(h string) bool {
	return len(h) <= MaxTagLen && tagPattern.MatchString(h)
}
