// Package errcode implements the agent's composite result codes. A Code packs
// an agent-level Kind into its upper byte and an opaque collaborator sub-code
// into the lower three bytes.
package errcode

import (
	"fmt"

	"github.com/pkg/errors"
)

const (
	kindShift = 24
	kindMask  = 0xff000000
	subMask   = 0x00ffffff

	// MaxSub is the largest sub-code that survives packing.
	MaxSub = subMask
)

// Code is a packed 32 bit result code. The zero Code is "no error" and is
// never returned as a non-nil error.
type Code uint32

// New packs kind and sub. Bits of sub beyond the lower 24 are discarded.
func New(kind Kind, sub uint32) Code {
	return Code(uint32(kind)<<kindShift | sub&subMask)
}

// Of returns a Code for kind with no collaborator detail.
func Of(kind Kind) Code {
	return New(kind, 0)
}

// Kind is the agent-level cause.
func (c Code) Kind() Kind {
	return Kind((uint32(c) & kindMask) >> kindShift)
}

// Sub is the collaborator's sub-code. It is only meaningful to the
// collaborator that produced it.
func (c Code) Sub() uint32 {
	return uint32(c) & subMask
}

// OK reports whether c is the "no error" sentinel.
func (c Code) OK() bool {
	return c.Kind() == None
}

func (c Code) Error() string {
	if c.Sub() == 0 {
		return fmt.Sprintf("%s (0x%08x)", c.Kind(), uint32(c))
	}
	return fmt.Sprintf("%s: sub-code 0x%06x (0x%08x)", c.Kind(), c.Sub(), uint32(c))
}

// Err returns c as an error, or nil when c carries no error.
func (c Code) Err() error {
	if c.OK() {
		return nil
	}
	return c
}

// Is matches another Code of the same Kind, so that errors.Is(err,
// errcode.Of(kind)) holds regardless of sub-code.
func (c Code) Is(target error) bool {
	t, ok := target.(Code)
	if !ok {
		return false
	}
	if t.Sub() == 0 {
		return t.Kind() == c.Kind()
	}
	return t == c
}

// Errorf wraps a Code of kind with a message.
func Errorf(kind Kind, format string, args ...interface{}) error {
	return errors.WithMessagef(Of(kind), format, args...)
}

// Wrap attaches kind to a collaborator error. A collaborator error that
// already is a Code keeps its sub-code, other errors carry none.
func Wrap(err error, kind Kind, msg string) error {
	if err == nil {
		return nil
	}
	var sub uint32
	if c, ok := AsCode(err); ok {
		sub = c.Sub()
	}
	return &wrapped{code: New(kind, sub), cause: err, msg: msg}
}

// AsCode finds the outermost Code in err's chain.
func AsCode(err error) (Code, bool) {
	if err == nil {
		return 0, false
	}
	var w *wrapped
	if errors.As(err, &w) {
		return w.code, true
	}
	var c Code
	if errors.As(err, &c) {
		return c, true
	}
	return 0, false
}

// KindOf reports the agent-level kind of err. Errors carrying no Code are
// reported as Uninitialized, nil as None.
func KindOf(err error) Kind {
	if err == nil {
		return None
	}
	if c, ok := AsCode(err); ok {
		return c.Kind()
	}
	return Uninitialized
}

// SubOf reports the collaborator sub-code carried by err.
func SubOf(err error) uint32 {
	c, _ := AsCode(err)
	return c.Sub()
}

// Is reports whether err carries kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

type wrapped struct {
	code  Code
	cause error
	msg   string
}

func (w *wrapped) Error() string {
	if w.msg == "" {
		return w.code.Kind().String() + ": " + w.cause.Error()
	}
	return w.msg + ": " + w.code.Kind().String() + ": " + w.cause.Error()
}

func (w *wrapped) Cause() error  { return w.cause }
func (w *wrapped) Unwrap() error { return w.cause }

func (w *wrapped) Is(target error) bool {
	return w.code.Is(target)
}
