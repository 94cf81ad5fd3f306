// Package gcode defines the code entity processed by the execution
// pipeline: one parsed G/M/T-code (or comment) together with its mutable
// execution state.
package gcode

import (
	"strconv"
	"strings"

	"reprapd/pkg/channel"
	"reprapd/pkg/pool"
)

// Type is the kind of a code.
type Type int

const (
	// GCode is a movement or geometry code (G...)
	GCode Type = iota
	// MCode is a miscellaneous machine code (M...)
	MCode
	// TCode is a tool-select code (T...)
	TCode
	// Comment is a whole-line comment
	Comment
)

// String returns the code-letter of the type.
func (t Type) String() string {
	switch t {
	case GCode:
		return "G"
	case MCode:
		return "M"
	case TCode:
		return "T"
	default:
		return ";"
	}
}

// MessageKind classifies a result message.
type MessageKind int

const (
	// Success is an informational reply
	Success MessageKind = iota
	// Warning is a non-fatal complaint
	Warning
	// Error reports a failure
	Error
)

// Message is one line of a code's result. Order within a Result is
// significant; late pipeline stages may append markers to the last
// message.
type Message struct {
	Kind MessageKind
	Text string
}

// String renders the message the way consoles print it.
func (m Message) String() string {
	switch m.Kind {
	case Warning:
		return "Warning: " + m.Text
	case Error:
		return "Error: " + m.Text
	default:
		return m.Text
	}
}

// Result is the ordered sequence of messages a code resolved to.
type Result []Message

// NewResult builds a single-message result.
func NewResult(kind MessageKind, text string) Result {
	return Result{{Kind: kind, Text: text}}
}

// IsEmpty reports whether the result carries no messages.
func (r Result) IsEmpty() bool { return len(r) == 0 }

// String joins all messages with newlines.
func (r Result) String() string {
	parts := make([]string, len(r))
	for i, m := range r {
		parts[i] = m.String()
	}
	return strings.Join(parts, "\n")
}

// Flags are set at construction or by the pipeline. They are only ever
// added, never cleared.
type Flags uint8

const (
	// Asynchronous codes complete fire-and-forget; the caller gets no
	// completion handle.
	Asynchronous Flags = 1 << iota

	// IsPrioritized marks a code for the Prioritized scheduling class.
	IsPrioritized

	// IsFromMacro marks a code issued from a macro file.
	IsFromMacro

	// IsPreProcessed records that pre-interception already ran.
	IsPreProcessed

	// IsPostProcessed records that post-interception already ran.
	IsPostProcessed
)

// Source is the origin connection of a code. Implementations report
// whether the connection is currently inside an interception callback,
// which promotes codes it submits to the highest scheduling class.
type Source interface {
	Intercepting() bool
}

// Parameter is one letter-prefixed argument of a code.
type Parameter struct {
	Letter byte
	Value  string

	// Quoted records that the value was given as a quoted string.
	Quoted bool
}

// Float parses the parameter as a float64.
func (p *Parameter) Float() (float64, error) {
	return strconv.ParseFloat(p.Value, 64)
}

// Int parses the parameter as an int.
func (p *Parameter) Int() (int, error) {
	return strconv.Atoi(p.Value)
}

// Code is one code instance flowing through the pipeline. Identity and
// content are immutable after construction; execution state is mutated
// in place by the pipeline stages. A Code is owned exclusively by the
// task processing it until its result is delivered, and is never reused.
type Code struct {
	// Channel is the logical source the code arrived on.
	Channel channel.Channel

	// Type is the code kind.
	Type Type

	// Major is the code number (the 1 in G1), -1 when absent.
	Major int

	// Minor is the sub-number (the 3 in G54.3), -1 when absent.
	Minor int

	// Parameters are the parsed arguments in source order.
	Parameters []Parameter

	// Comment is the trailing or whole-line comment text.
	Comment string

	// Raw is the original text the code was parsed from, empty for
	// programmatically built codes.
	Raw string

	// Source is the origin connection, may be nil.
	Source Source

	flags Flags

	// InternallyProcessed records that the code was resolved without
	// firmware involvement.
	InternallyProcessed bool

	// Result is the outcome of execution, nil until resolved.
	Result Result
}

// Flag reports whether all bits of f are set.
func (c *Code) Flag(f Flags) bool { return c.flags&f == f }

// SetFlag adds the given bits. Flags are never cleared.
func (c *Code) SetFlag(f Flags) { c.flags |= f }

// Parameter returns the first parameter with the given letter, or nil.
func (c *Code) Parameter(letter byte) *Parameter {
	for i := range c.Parameters {
		if c.Parameters[i].Letter == letter {
			return &c.Parameters[i]
		}
	}
	return nil
}

// FromInterceptingSource reports whether the code's origin connection
// is currently inside an interception callback.
func (c *Code) FromInterceptingSource() bool {
	return c.Source != nil && c.Source.Intercepting()
}

// ShortString returns the compact identifier used when prefixing error
// messages, e.g. "G1" or "M105.1".
func (c *Code) ShortString() string {
	if c.Type == Comment {
		return "(comment)"
	}
	s := c.Type.String()
	if c.Major >= 0 {
		s += strconv.Itoa(c.Major)
		if c.Minor >= 0 {
			s += "." + strconv.Itoa(c.Minor)
		}
	}
	return s
}

// String reconstructs the code text. Codes parsed from text return the
// original line.
func (c *Code) String() string {
	if c.Raw != "" {
		return c.Raw
	}
	if c.Type == Comment {
		return ";" + c.Comment
	}

	buf := pool.GetBuffer()
	defer pool.PutBuffer(buf)

	buf.WriteString(c.ShortString())
	for _, p := range c.Parameters {
		buf.WriteByte(' ')
		buf.WriteByte(p.Letter)
		if p.Quoted {
			buf.WriteByte('"')
			buf.WriteString(strings.ReplaceAll(p.Value, `"`, `""`))
			buf.WriteByte('"')
		} else {
			buf.WriteString(p.Value)
		}
	}
	return buf.String()
}
