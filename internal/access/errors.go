package access

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrMalformedWindow marks a rule whose start/stop encoding cannot be parsed.
	ErrMalformedWindow = errors.New("malformed access window")
	// ErrResolverMissing marks a resource type with no registered resolver.
	ErrResolverMissing = errors.New("resource resolver missing")
	// ErrRebuildAborted marks a rebuild that stopped before finishing its scope.
	// The scope may be empty or partially populated and must be rebuilt again.
	ErrRebuildAborted = errors.New("rebuild aborted")
	// ErrScopeBusy is returned when another rebuild holds the scope.
	ErrScopeBusy = errors.New("rebuild scope busy")
)

// RebuildStage names the step of a rebuild that failed.
type RebuildStage string

const (
	StageReset    RebuildStage = "reset"
	StageLoad     RebuildStage = "load"
	StageGrants   RebuildStage = "grants"
	StageWrite    RebuildStage = "write"
	StageGroups   RebuildStage = "groups"
	StageSpecial  RebuildStage = "special"
	StagePayments RebuildStage = "payments"
)

// RebuildError reports a failed rebuild of a scope.
type RebuildError struct {
	Scope Scope
	Stage RebuildStage
	Err   error
}

func (e *RebuildError) Error() string {
	return fmt.Sprintf("rebuild %s failed at %s: %v", e.Scope, e.Stage, e.Err)
}

func (e *RebuildError) Unwrap() error {
	return e.Err
}

// Is reports every rebuild failure as ErrRebuildAborted: a failed scope is
// left destroyed and has to be rebuilt in full.
func (e *RebuildError) Is(target error) bool {
	return target == ErrRebuildAborted
}

// Canceled reports whether the rebuild stopped because its context ended.
func (e *RebuildError) Canceled() bool {
	return errors.Is(e.Err, context.Canceled) || errors.Is(e.Err, context.DeadlineExceeded)
}

// NewRebuildError wraps err for the given scope and stage.
func NewRebuildError(scope Scope, stage RebuildStage, err error) *RebuildError {
	return &RebuildError{Scope: scope, Stage: stage, Err: err}
}
