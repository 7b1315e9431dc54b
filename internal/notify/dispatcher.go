package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"attendanced/internal/core"

	"golang.org/x/time/rate"
)

// Dispatcher turns finalized attempts into operator messages.
type Dispatcher struct {
	sender   Sender
	logger   *slog.Logger
	location *time.Location
	tries    int
	backoff  time.Duration
	limiter  *rate.Limiter
}

// DispatcherConfig configures NewDispatcher. Zero values get defaults.
type DispatcherConfig struct {
	Sender   Sender
	Logger   *slog.Logger
	Location *time.Location
	Tries    int
	Backoff  time.Duration
	Limiter  *rate.Limiter
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	d := &Dispatcher{
		sender:   cfg.Sender,
		logger:   cfg.Logger,
		location: cfg.Location,
		tries:    cfg.Tries,
		backoff:  cfg.Backoff,
		limiter:  cfg.Limiter,
	}
	if d.sender == nil {
		d.sender = NoOp{}
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.location == nil {
		d.location = time.Local
	}
	if d.tries <= 0 {
		d.tries = 3
	}
	if d.backoff <= 0 {
		d.backoff = 2 * time.Second
	}
	if d.limiter == nil {
		d.limiter = rate.NewLimiter(rate.Every(time.Second), 1)
	}
	return d
}

// Notify delivers the outcome of attempt once to every channel. Each channel
// is retried on its own so a failing one never repeats the message on the
// others. Delivery failures are logged as notifier_failure and never reach
// the caller or alter the attempt.
func (d *Dispatcher) Notify(ctx context.Context, attempt *core.Attempt) {
	title, body := FormatMessage(attempt, d.location)
	logger := d.logger.With("attempt_id", attempt.ID, "action", attempt.Action)

	for _, sender := range channels(d.sender) {
		channelLogger := logger.With("channel", channelName(sender))
		if err := d.deliver(ctx, channelLogger, sender, title, body); err != nil {
			channelLogger.Error("notification undeliverable",
				"outcome", core.OutcomeNotifierFailure,
				"attempt_outcome", attempt.Outcome.Kind,
				"err", err,
			)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, logger *slog.Logger, sender Sender, title, body string) error {
	var err error
	for try := 1; try <= d.tries; try++ {
		if err = d.limiter.Wait(ctx); err != nil {
			return err
		}
		if err = sender.Send(ctx, title, body); err == nil {
			logger.Debug("notification sent", "try", try)
			return nil
		}
		if try == d.tries {
			break
		}
		logger.Warn("notification failed, retrying", "try", try, "err", err)
		timer := time.NewTimer(time.Duration(try) * d.backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w (gave up: %v)", err, ctx.Err())
		case <-timer.C:
		}
	}
	return err
}

// channels flattens a Multi into its senders.
func channels(sender Sender) []Sender {
	if m, ok := sender.(*Multi); ok {
		return m.senders
	}
	return []Sender{sender}
}

func channelName(sender Sender) string {
	switch sender.(type) {
	case *Telegram:
		return "telegram"
	case *Bark:
		return "bark"
	case NoOp:
		return "none"
	default:
		return fmt.Sprintf("%T", sender)
	}
}

// FormatMessage renders the title and body for an attempt.
func FormatMessage(attempt *core.Attempt, loc *time.Location) (string, string) {
	at := attempt.StartedAt
	if attempt.FinishedAt != nil {
		at = *attempt.FinishedAt
	}
	title := fmt.Sprintf("Attendance %s: %s", attempt.Action, attempt.Outcome.Kind.Label())

	var b strings.Builder
	fmt.Fprintf(&b, "Action: %s\n", attempt.Action)
	fmt.Fprintf(&b, "Time: %s\n", at.In(loc).Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(&b, "Outcome: %s\n", attempt.Outcome)
	if attempt.Source == core.SourceLedgerFallback {
		b.WriteString("Source: ledger (no portal call made)\n")
	}
	if attempt.Tries > 1 {
		fmt.Fprintf(&b, "Tries: %d\n", attempt.Tries)
	}
	if detail := attempt.Detail(); detail != "" {
		fmt.Fprintf(&b, "Detail: %s\n", detail)
	}
	return title, strings.TrimRight(b.String(), "\n")
}
