package core

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingTriggerer struct {
	actions chan ActionKind
}

func (r *recordingTriggerer) Trigger(_ context.Context, action ActionKind) Ack {
	r.actions <- action
	return Ack{Accepted: true, Action: string(action), JobID: "job"}
}

func TestParseCron(t *testing.T) {
	_, err := ParseCron("30 9 * * 1-5")
	require.NoError(t, err)

	_, err = ParseCron("@daily")
	assert.Error(t, err)

	_, err = ParseCron("61 9 * * *")
	assert.Error(t, err)
}

func TestSchedulerNext(t *testing.T) {
	ist := time.FixedZone("IST", 5*3600+1800)
	s := NewScheduler(&recordingTriggerer{}, slog.New(slog.NewTextHandler(io.Discard, nil)), ist)

	require.NoError(t, s.Schedule(ActionSignIn, "30 9 * * 1-5"))
	assert.Error(t, s.Schedule(ActionSignOut, "not a cron"))

	// Monday 2026-10-19 08:00 IST.
	now := time.Date(2026, 10, 19, 8, 0, 0, 0, ist)
	expr, next, ok := s.Next(ActionSignIn, now)
	require.True(t, ok)
	assert.Equal(t, "30 9 * * 1-5", expr)
	assert.Equal(t, time.Date(2026, 10, 19, 9, 30, 0, 0, ist), next)

	_, _, ok = s.Next(ActionSignOut, now)
	assert.False(t, ok)

	require.NoError(t, s.Schedule(ActionSignIn, ""))
	_, _, ok = s.Next(ActionSignIn, now)
	assert.False(t, ok, "empty expression removes the schedule")
}

func TestSchedulerFiresTrigger(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for a cron minute boundary")
	}
	rec := &recordingTriggerer{actions: make(chan ActionKind, 4)}
	s := NewScheduler(rec, slog.New(slog.NewTextHandler(io.Discard, nil)), time.UTC)
	require.NoError(t, s.Schedule(ActionSignOut, "* * * * *"))

	s.Start(context.Background())
	defer s.Stop()

	select {
	case action := <-rec.actions:
		assert.Equal(t, ActionSignOut, action)
	case <-time.After(65 * time.Second):
		t.Fatal("scheduled trigger never fired")
	}
}
