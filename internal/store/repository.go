package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// TicketRepository defines operations for ticket persistence.
type TicketRepository interface {
	GetByID(ctx context.Context, id int64) (*Ticket, error)
	ActiveByPhone(ctx context.Context, phone string) (*Ticket, error)
	LatestByPhone(ctx context.Context, phone string) (*Ticket, error)
	Insert(ctx context.Context, phone string, contactName string) (*Ticket, error)
	UpdateStatus(ctx context.Context, id int64, status TicketStatus) error
	UpdateContactName(ctx context.Context, id int64, contactName string) error
	Touch(ctx context.Context, id int64) error
	ReleaseIdle(ctx context.Context, cutoff time.Time) (int64, error)
}

// MessageRepository defines operations for message persistence.
type MessageRepository interface {
	Insert(ctx context.Context, msg *Message) (int64, error)
	GetByID(ctx context.Context, id int64) (*Message, error)
	ListByTicket(ctx context.Context, ticketID int64, limit int) ([]Message, error)
	SetMediaURL(ctx context.Context, id int64, mediaURL string) error
	FailMedia(ctx context.Context, id int64, content string) error
	HasStaffMessage(ctx context.Context, ticketID int64) (bool, error)
	FindPhoneByAlias(ctx context.Context, alias string) (string, error)
}

// SettingsRepository is a simple string key/value store.
type SettingsRepository interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
}

// HoursRepository reads the weekly schedule and date exceptions.
type HoursRepository interface {
	Weekday(ctx context.Context, day int) (*BusinessHour, error)
	Exception(ctx context.Context, date string) (*BusinessException, error)
}

// ThrottleRepository records when automatic messages were last sent.
type ThrottleRepository interface {
	// TryMarkSent atomically records now as the last-sent time for phone if
	// the cooldown has elapsed (or no record exists). Returns true when the
	// caller won the slot and may send.
	TryMarkSent(ctx context.Context, phone string, now time.Time, cooldown time.Duration) (bool, error)
}

// BlacklistRepository checks whether a contact opted out of automatic replies.
type BlacklistRepository interface {
	Contains(ctx context.Context, phone string) (bool, error)
}

// ReminderRepository defines operations for ticket reminders.
type ReminderRepository interface {
	Insert(ctx context.Context, r *Reminder) (int64, error)
	Due(ctx context.Context, now time.Time) ([]Reminder, error)
	MarkNotified(ctx context.Context, id int64, at time.Time) error
}

// Tx is the subset of *sql.Tx the reconciliation engine uses, so tests can
// substitute a transaction from any store.
type Tx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	Commit() error
	Rollback() error
}
