package core

import (
	"fmt"
	"strings"
	"time"
)

// ActionKind names the attendance mutation a job performs.
type ActionKind string

const (
	ActionSignIn  ActionKind = "sign_in"
	ActionSignOut ActionKind = "sign_out"
)

// Actions lists every supported action kind. Each one owns an independent gate.
var Actions = []ActionKind{ActionSignIn, ActionSignOut}

// ParseAction accepts the canonical names plus the spellings used by the HTTP routes.
func ParseAction(value string) (ActionKind, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "sign_in", "signin", "sign-in":
		return ActionSignIn, nil
	case "sign_out", "signout", "sign-out":
		return ActionSignOut, nil
	default:
		return "", fmt.Errorf("unknown action %q", value)
	}
}

// PortalAction returns the query value the portal expects for this action.
func (a ActionKind) PortalAction() string {
	switch a {
	case ActionSignOut:
		return "Signout"
	default:
		return "Signin"
	}
}

// OutcomeKind classifies how an attempt terminated.
type OutcomeKind string

const (
	OutcomeSuccess              OutcomeKind = "success"
	OutcomeAlreadyMarked        OutcomeKind = "already_marked"
	OutcomeAuthenticationFailed OutcomeKind = "authentication_failed"
	OutcomeBrowserFailure       OutcomeKind = "browser_failure"
	OutcomeAPIFailure           OutcomeKind = "api_failure"
	OutcomeNotifierFailure      OutcomeKind = "notifier_failure"
)

// Label is the human-readable name used in operator messages.
func (k OutcomeKind) Label() string {
	switch k {
	case OutcomeSuccess:
		return "Success"
	case OutcomeAlreadyMarked:
		return "AlreadyMarked"
	case OutcomeAuthenticationFailed:
		return "AuthenticationFailed"
	case OutcomeBrowserFailure:
		return "BrowserFailure"
	case OutcomeAPIFailure:
		return "ApiFailure"
	case OutcomeNotifierFailure:
		return "NotifierFailure"
	default:
		return string(k)
	}
}

// Outcome is the terminal classification of one pipeline pass.
// Status and Body are only populated for api_failure.
type Outcome struct {
	Kind   OutcomeKind
	Status int
	Body   string
	Detail string
}

// Retryable reports whether the coordinator may run the pipeline again.
func (o Outcome) Retryable() bool {
	return o.Kind == OutcomeBrowserFailure || o.Kind == OutcomeAPIFailure
}

// Succeeded is true for outcomes that leave attendance marked.
func (o Outcome) Succeeded() bool {
	return o.Kind == OutcomeSuccess || o.Kind == OutcomeAlreadyMarked
}

func (o Outcome) String() string {
	if o.Kind == OutcomeAPIFailure && o.Status != 0 {
		return fmt.Sprintf("%s{status=%d}", o.Kind.Label(), o.Status)
	}
	return o.Kind.Label()
}

// AttemptSource records where an attempt's outcome came from.
type AttemptSource string

const (
	SourcePortalAPI      AttemptSource = "portal_api"
	SourceLedgerFallback AttemptSource = "ledger_fallback"
)

// DayLayout formats the calendar day used for idempotency.
const DayLayout = "2006-01-02"

// Attempt is one automation attempt. It is finalized exactly once and then
// appended to the ledger.
type Attempt struct {
	ID         string
	Action     ActionKind
	Day        string
	StartedAt  time.Time
	FinishedAt *time.Time
	Outcome    Outcome
	Source     AttemptSource
	Tries      int
	Duplicate  bool
}

// Finalize sets the terminal outcome. Subsequent calls are ignored.
func (a *Attempt) Finalize(outcome Outcome, source AttemptSource, at time.Time) {
	if a.FinishedAt != nil {
		return
	}
	a.Outcome = outcome
	a.Source = source
	finished := at.UTC()
	a.FinishedAt = &finished
}

// Detail is the short human-readable explanation of the outcome.
func (a *Attempt) Detail() string {
	return a.Outcome.Detail
}

// SessionCookie is one cookie harvested from the browser, with the attributes
// needed to replay it faithfully.
type SessionCookie struct {
	Name     string
	Value    string
	Domain   string
	Path     string
	Secure   bool
	HTTPOnly bool
	HostOnly bool
	Expires  time.Time
}

// SessionBundle is an authenticated browser session. It belongs to a single
// pipeline run and is discarded afterwards.
type SessionBundle struct {
	Cookies    []SessionCookie
	Tokens     map[string]string
	CapturedAt time.Time
}

// Has reports whether a cookie with the given name was captured.
func (b *SessionBundle) Has(name string) bool {
	for _, c := range b.Cookies {
		if c.Name == name {
			return true
		}
	}
	return false
}

// JobState is the lifecycle state of an accepted trigger.
type JobState string

const (
	JobPending JobState = "pending"
	JobRunning JobState = "running"
	JobDone    JobState = "done"
)

// JobHandle is the in-memory view of an accepted trigger, kept for status polling.
type JobHandle struct {
	ID         string
	Action     ActionKind
	State      JobState
	Attempt    *Attempt
	AcceptedAt time.Time
	FinishedAt *time.Time
}

// Ack is returned to the caller of Trigger. It never carries an outcome.
type Ack struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
	JobID    string `json:"job_id,omitempty"`
	Action   string `json:"action"`
}

const (
	ReasonAlreadyRunning  = "already_running"
	ReasonShuttingDown    = "shutting_down"
	ReasonDisabled        = "disabled"
	ReasonLockUnavailable = "lock_unavailable"
)
