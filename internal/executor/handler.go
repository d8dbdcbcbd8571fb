package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/msageha/dronebatch/internal/model"
)

// Outcome is what a handler reports for one attempt.
type Outcome struct {
	Success bool
	Message string
	Data    any
}

// Handler performs one command against the backend. It must be safe to call
// again for the same command when the strategy retries. Handlers receive a
// copy of the command parameters.
type Handler interface {
	Handle(ctx context.Context, action string, params model.Params) (Outcome, error)
}

type HandlerFunc func(ctx context.Context, action string, params model.Params) (Outcome, error)

func (f HandlerFunc) Handle(ctx context.Context, action string, params model.Params) (Outcome, error) {
	return f(ctx, action, params)
}

// The three failure channels of a handler.
var (
	ErrCommandTimeout   = errors.New("command timed out")
	ErrCommandException = errors.New("command raised an exception")
	ErrCommandRejected  = errors.New("command rejected")
)

// CommandError describes the failure of one attempt. errors.Is matches both
// the channel sentinel and the underlying cause.
type CommandError struct {
	Index int
	Kind  model.FailureKind
	Err   error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %d: %v", e.Index, e.Err)
}

func (e *CommandError) Unwrap() []error {
	return []error{kindSentinel(e.Kind), e.Err}
}

func kindSentinel(k model.FailureKind) error {
	switch k {
	case model.FailureTimeout:
		return ErrCommandTimeout
	case model.FailureRejected:
		return ErrCommandRejected
	default:
		return ErrCommandException
	}
}
