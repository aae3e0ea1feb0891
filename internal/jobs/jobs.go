// Package jobs runs the periodic maintenance tasks: releasing idle tickets
// back to the queue and surfacing due reminders.
package jobs

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Nycolazs/whatsapp-system-sub000/internal/store"
)

// Job is one periodic task.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Runner schedules jobs on a cron scheduler.
type Runner struct {
	cron *cron.Cron
	log  *slog.Logger
}

// NewRunner creates a Runner.
func NewRunner(log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{cron: cron.New(), log: log}
}

// Add schedules a job with a cron spec (e.g. "@every 1m").
func (r *Runner) Add(spec string, job Job) error {
	_, err := r.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := job.Run(ctx); err != nil {
			r.log.Error("job failed", "job", job.Name(), "error", err)
		}
	})
	return err
}

// Start begins running scheduled jobs.
func (r *Runner) Start() {
	r.cron.Start()
}

// Stop stops the scheduler and waits for running jobs.
func (r *Runner) Stop() {
	<-r.cron.Stop().Done()
}

// settingAwaitMinutes holds the idle timeout in minutes. Zero or absent
// disables the job.
const settingAwaitMinutes = "await_minutes"

// AutoAwait moves em_atendimento tickets that have been idle for the
// configured number of minutes back to aguardando, unassigning the seller.
type AutoAwait struct {
	tickets  store.TicketRepository
	settings store.SettingsRepository
	log      *slog.Logger
	now      func() time.Time
}

// NewAutoAwait creates the auto-await job.
func NewAutoAwait(tickets store.TicketRepository, settings store.SettingsRepository, log *slog.Logger) *AutoAwait {
	if log == nil {
		log = slog.Default()
	}
	return &AutoAwait{tickets: tickets, settings: settings, log: log, now: time.Now}
}

func (j *AutoAwait) Name() string { return "auto_await" }

func (j *AutoAwait) Run(ctx context.Context) error {
	raw, err := j.settings.Get(ctx, settingAwaitMinutes)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	minutes, err := strconv.Atoi(raw)
	if err != nil || minutes <= 0 {
		return nil
	}

	cutoff := j.now().Add(-time.Duration(minutes) * time.Minute)
	released, err := j.tickets.ReleaseIdle(ctx, cutoff)
	if err != nil {
		return err
	}
	if released > 0 {
		j.log.Info("idle tickets released to queue", "count", released, "idle_minutes", minutes)
	}
	return nil
}

// Notifier receives due-reminder notifications.
type Notifier interface {
	Emit(event string, payload any)
}

// ReminderScan finds due reminders, notifies them and marks them notified.
type ReminderScan struct {
	reminders store.ReminderRepository
	notifier  Notifier
	log       *slog.Logger
	now       func() time.Time
}

// NewReminderScan creates the reminder scan job.
func NewReminderScan(reminders store.ReminderRepository, notifier Notifier, log *slog.Logger) *ReminderScan {
	if log == nil {
		log = slog.Default()
	}
	return &ReminderScan{reminders: reminders, notifier: notifier, log: log, now: time.Now}
}

func (j *ReminderScan) Name() string { return "reminder_scan" }

func (j *ReminderScan) Run(ctx context.Context) error {
	now := j.now()
	due, err := j.reminders.Due(ctx, now)
	if err != nil {
		return err
	}
	for _, rem := range due {
		j.notifier.Emit("reminder", rem)
		if err := j.reminders.MarkNotified(ctx, rem.ID, now); err != nil {
			j.log.Error("failed to mark reminder notified", "reminder_id", rem.ID, "error", err)
			continue
		}
		j.log.Info("reminder notified", "reminder_id", rem.ID, "ticket_id", rem.TicketID)
	}
	return nil
}
