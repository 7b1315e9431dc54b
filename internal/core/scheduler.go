package core

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCron ensures the expression is a valid 5-field cron definition and returns the underlying schedule.
func ParseCron(expr string) (cron.Schedule, error) {
	if strings.HasPrefix(strings.TrimSpace(expr), "@") {
		return nil, fmt.Errorf("only 5-field cron expressions are supported")
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return schedule, nil
}

// Triggerer is the part of the coordinator the cron scheduler needs.
type Triggerer interface {
	Trigger(ctx context.Context, action ActionKind) Ack
}

type scheduleEntry struct {
	id       cron.EntryID
	expr     string
	schedule cron.Schedule
}

// Scheduler fires attendance triggers on fixed daily cron expressions.
type Scheduler struct {
	trigger  Triggerer
	logger   *slog.Logger
	location *time.Location

	cron    *cron.Cron
	entryMu sync.RWMutex
	entries map[ActionKind]scheduleEntry

	ctx context.Context
}

// NewScheduler constructs a scheduler evaluating expressions in location.
func NewScheduler(trigger Triggerer, logger *slog.Logger, location *time.Location) *Scheduler {
	if location == nil {
		location = time.Local
	}
	return &Scheduler{
		trigger:  trigger,
		logger:   logger,
		location: location,
		cron:     cron.New(cron.WithParser(cronParser), cron.WithLocation(location)),
		entries:  make(map[ActionKind]scheduleEntry),
	}
}

// Schedule registers expr for action, replacing any previous expression.
// An empty expression removes the schedule.
func (s *Scheduler) Schedule(action ActionKind, expr string) error {
	s.entryMu.Lock()
	defer s.entryMu.Unlock()
	if entry, ok := s.entries[action]; ok {
		s.cron.Remove(entry.id)
		delete(s.entries, action)
	}
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil
	}
	schedule, err := ParseCron(expr)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", action, err)
	}
	id := s.cron.Schedule(schedule, cron.FuncJob(func() {
		ack := s.trigger.Trigger(s.ctxOrBackground(), action)
		if ack.Accepted {
			s.logger.Info("scheduled trigger accepted", "action", action, "job_id", ack.JobID)
			return
		}
		s.logger.Warn("scheduled trigger rejected", "action", action, "reason", ack.Reason)
	}))
	s.entries[action] = scheduleEntry{id: id, expr: expr, schedule: schedule}
	s.logger.Info("attendance schedule registered", "action", action, "cron", expr, "location", s.location.String())
	return nil
}

// Next returns the expression and the next fire time after now for action.
func (s *Scheduler) Next(action ActionKind, now time.Time) (string, time.Time, bool) {
	s.entryMu.RLock()
	entry, ok := s.entries[action]
	s.entryMu.RUnlock()
	if !ok {
		return "", time.Time{}, false
	}
	return entry.expr, NextOccurrences(entry.schedule, now.In(s.location), 1)[0], true
}

// NextOccurrences returns the next n execution times from a base time.
func NextOccurrences(schedule cron.Schedule, base time.Time, n int) []time.Time {
	times := make([]time.Time, 0, n)
	next := base
	for i := 0; i < n; i++ {
		next = schedule.Next(next)
		times = append(times, next)
	}
	return times
}

// Start begins the cron loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx = ctx
	s.cron.Start()
}

// Stop stops the cron loop; the returned context is done once running callbacks return.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) ctxOrBackground() context.Context {
	if s.ctx != nil {
		return s.ctx
	}
	return context.Background()
}
