package lir

import (
	"errors"
	"fmt"
)

// ErrInternal marks internal consistency failures: an earlier pass produced
// input that a later pass cannot handle.
var ErrInternal = errors.New("internal consistency error")

// InternalError identifies the pass, closure and instruction at which an
// internal consistency check failed.
type InternalError struct {
	Pass    string
	Closure string
	Op      *Instr
	Msg     string
}

func (e *InternalError) Error() string {
	msg := e.Pass
	if e.Closure != "" {
		msg += ": " + e.Closure
	}
	if e.Op != nil {
		msg += fmt.Sprintf(": %s (%s)", e.Op, e.Op.Pos)
	}
	return msg + ": " + e.Msg
}

func (e *InternalError) Unwrap() error { return ErrInternal }

// Internalf builds an InternalError.
func Internalf(pass string, c *Closure, op *Instr, format string, args ...any) error {
	e := &InternalError{Pass: pass, Op: op, Msg: fmt.Sprintf(format, args...)}
	if c != nil {
		e.Closure = c.Name
	}
	return e
}
