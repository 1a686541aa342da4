package message

import (
	"fmt"

	"github.com/pkg/errors"
)

// DefaultErrorName names translated errors that carry no name of their own.
const DefaultErrorName = "Error"

// TranslatedError is the wire-safe shape of a caught error.
type TranslatedError struct {
	Name    string `json:"remote_name"`
	Message string `json:"remote_message"`
	Stack   string `json:"remote_stack,omitempty"`
}

func (e *TranslatedError) Error() string {
	if e.Name == "" {
		return e.Message
	}
	return e.Name + ": " + e.Message
}

// ErrorName returns the remote error name so a translated error keeps its
// name when it is translated again.
func (e *TranslatedError) ErrorName() string {
	return e.Name
}

// Named is implemented by errors that report their own remote_name.
type Named interface {
	ErrorName() string
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

type namedError struct {
	name string
	err  error
}

func (e *namedError) Error() string     { return e.err.Error() }
func (e *namedError) ErrorName() string { return e.name }
func (e *namedError) Unwrap() error     { return e.err }
func (e *namedError) Cause() error      { return e.err }

// WithName attaches a remote_name to err.
func WithName(name string, err error) error {
	if err == nil {
		return nil
	}
	return &namedError{name: name, err: err}
}

// Translate converts err into its wire shape. The stack trace is the innermost
// github.com/pkg/errors trace in the chain and is only kept when withStack is set.
func Translate(err error, withStack bool) *TranslatedError {
	if err == nil {
		return nil
	}
	if te, ok := err.(*TranslatedError); ok {
		out := *te
		if !withStack {
			out.Stack = ""
		}
		return &out
	}

	out := &TranslatedError{
		Name:    DefaultErrorName,
		Message: err.Error(),
	}
	var named Named
	if errors.As(err, &named) && named.ErrorName() != "" {
		out.Name = named.ErrorName()
	}
	if withStack {
		if st := innermostStack(err); st != nil {
			out.Stack = fmt.Sprintf("%s: %s%+v", out.Name, out.Message, st.StackTrace())
		}
	}
	return out
}

func innermostStack(err error) stackTracer {
	var found stackTracer
	for err != nil {
		if st, ok := err.(stackTracer); ok {
			found = st
		}
		err = errors.Unwrap(err)
	}
	return found
}
