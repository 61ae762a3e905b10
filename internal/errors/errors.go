// Package errors provides contextual error handling for the SKEIN shaping
// optimization service.
package errors

import (
	"fmt"
	"runtime"
	"strings"
)

// Error is an error with operation and component context plus a captured
// stack trace.
type Error struct {
	// Err is the underlying error, if any.
	Err error
	// Message is a human-readable description.
	Message string
	// Operation is what was being performed when the error occurred.
	Operation string
	// Component is the package or subsystem where the error occurred.
	Component string
	// Stack is the captured call stack.
	Stack []string
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Message != "" {
		b.WriteString(e.Message)
	}
	if e.Operation != "" {
		if b.Len() > 0 {
			b.WriteString(": ")
		}
		b.WriteString("operation=")
		b.WriteString(e.Operation)
	}
	if e.Component != "" {
		if b.Len() > 0 {
			b.WriteString(", ")
		}
		b.WriteString("component=")
		b.WriteString(e.Component)
	}
	if e.Err != nil {
		if b.Len() > 0 {
			b.WriteString(": ")
		}
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error with a message and a captured stack.
func New(message string) *Error {
	return &Error{Message: message, Stack: captureStack()}
}

// Newf creates an Error with a formatted message.
func Newf(format string, args ...interface{}) *Error {
	return &Error{Message: fmt.Sprintf(format, args...), Stack: captureStack()}
}

// Wrap annotates err with a message. It returns nil when err is nil.
func Wrap(err error, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Err: err, Message: message, Stack: captureStack()}
}

// WithOperation adds operation context to the error.
func (e *Error) WithOperation(op string) *Error {
	e.Operation = op
	return e
}

// WithComponent adds component context to the error.
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

func captureStack() []string {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	var stack []string
	for {
		frame, more := frames.Next()
		stack = append(stack, fmt.Sprintf("%s (%s:%d)", frame.Function, frame.File, frame.Line))
		if !more {
			break
		}
	}
	return stack
}
