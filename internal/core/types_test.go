package core

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAction(t *testing.T) {
	for _, in := range []string{"sign_in", "signin", "Sign-In", " SIGNIN "} {
		action, err := ParseAction(in)
		require.NoError(t, err, in)
		assert.Equal(t, ActionSignIn, action)
	}
	action, err := ParseAction("signout")
	require.NoError(t, err)
	assert.Equal(t, ActionSignOut, action)

	_, err = ParseAction("lunch")
	assert.Error(t, err)

	assert.Equal(t, "Signin", ActionSignIn.PortalAction())
	assert.Equal(t, "Signout", ActionSignOut.PortalAction())
}

func TestOutcomeClassification(t *testing.T) {
	assert.True(t, Outcome{Kind: OutcomeBrowserFailure}.Retryable())
	assert.True(t, Outcome{Kind: OutcomeAPIFailure}.Retryable())
	assert.False(t, Outcome{Kind: OutcomeAuthenticationFailed}.Retryable())
	assert.False(t, Outcome{Kind: OutcomeSuccess}.Retryable())
	assert.True(t, Outcome{Kind: OutcomeAlreadyMarked}.Succeeded())

	assert.Equal(t, "Success", OutcomeSuccess.Label())
	assert.Equal(t, "ApiFailure{status=500}", Outcome{Kind: OutcomeAPIFailure, Status: 500}.String())
}

func TestOutcomeFromError(t *testing.T) {
	auth := OutcomeFromError(fmt.Errorf("acquire: %w", AuthenticationFailure("bad password", nil)))
	assert.Equal(t, OutcomeAuthenticationFailed, auth.Kind)
	assert.Equal(t, "bad password", auth.Detail)

	browser := OutcomeFromError(BrowserFailure("launch chrome", errors.New("no such file")))
	assert.Equal(t, OutcomeBrowserFailure, browser.Kind)
	assert.Contains(t, browser.Detail, "no such file")

	timeout := OutcomeFromError(context.DeadlineExceeded)
	assert.Equal(t, OutcomeBrowserFailure, timeout.Kind)
}

func TestAttemptFinalizeOnce(t *testing.T) {
	a := &Attempt{ID: "1", Action: ActionSignIn}
	first := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	a.Finalize(Outcome{Kind: OutcomeSuccess}, SourcePortalAPI, first)
	a.Finalize(Outcome{Kind: OutcomeAPIFailure}, SourceLedgerFallback, first.Add(time.Hour))

	assert.Equal(t, OutcomeSuccess, a.Outcome.Kind)
	assert.Equal(t, SourcePortalAPI, a.Source)
	require.NotNil(t, a.FinishedAt)
	assert.Equal(t, first, *a.FinishedAt)
}
