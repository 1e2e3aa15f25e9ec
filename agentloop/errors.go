package agentloop

import (
	"github.com/pkg/errors"

	"github.com/martinemde/relay/contextmgr"
	"github.com/martinemde/relay/hooks"
)

// Run fails with one of these, matched with errors.Is.
var (
	ErrProviderFailure = errors.New("provider failure")
	ErrBudgetExceeded  = contextmgr.ErrBudgetExceeded
	ErrLoopDetected    = errors.New("loop detected")
	ErrUserAborted     = errors.New("aborted by user")
	ErrHookAborted     = hooks.ErrHookAborted
)

// providerError keeps the classified llm error reachable while matching
// ErrProviderFailure.
type providerError struct {
	err error
}

func (e *providerError) Error() string { return ErrProviderFailure.Error() + ": " + e.err.Error() }

func (e *providerError) Unwrap() error { return e.err }

func (e *providerError) Is(target error) bool { return target == ErrProviderFailure }
