package core

import (
	"context"
	"errors"
	"fmt"
)

// Failure is returned by pipeline stages that know how their error should be
// classified. The coordinator converts it into an Outcome with errors.As.
type Failure struct {
	Kind   OutcomeKind
	Detail string
	Err    error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Detail, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Detail)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// BrowserFailure wraps an infrastructure-level browser error.
func BrowserFailure(detail string, err error) *Failure {
	return &Failure{Kind: OutcomeBrowserFailure, Detail: detail, Err: err}
}

// AuthenticationFailure reports that the portal rejected the login.
func AuthenticationFailure(detail string, err error) *Failure {
	return &Failure{Kind: OutcomeAuthenticationFailed, Detail: detail, Err: err}
}

// OutcomeFromError maps a stage error onto an Outcome. Unclassified errors are
// treated as browser failures so they stay retryable.
func OutcomeFromError(err error) Outcome {
	var failure *Failure
	if errors.As(err, &failure) {
		detail := failure.Detail
		if failure.Err != nil {
			detail = fmt.Sprintf("%s: %v", failure.Detail, failure.Err)
		}
		return Outcome{Kind: failure.Kind, Detail: detail}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Outcome{Kind: OutcomeBrowserFailure, Detail: "timed out: " + err.Error()}
	}
	return Outcome{Kind: OutcomeBrowserFailure, Detail: err.Error()}
}
