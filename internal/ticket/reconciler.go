// Package ticket maintains the one-active-ticket-per-contact invariant and
// the ticket status lifecycle.
package ticket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Nycolazs/whatsapp-system-sub000/internal/store"
)

// ErrInvalidTransition is returned when a status change is not allowed from
// the ticket's current status.
var ErrInvalidTransition = errors.New("ticket: invalid status transition")

// TxBeginner opens write transactions for reconciliation.
type TxBeginner interface {
	BeginImmediate(ctx context.Context) (store.Tx, error)
}

// Result is the outcome of reconciling an inbound contact against the ticket
// table.
type Result struct {
	Ticket *store.Ticket
	IsNew  bool
	// PreviousStatus is the status of the contact's most recent earlier
	// ticket when IsNew is true and such a ticket exists.
	PreviousStatus store.TicketStatus
}

// Reconciler routes every inbound message to exactly one active ticket,
// creating one when the contact has none. Concurrent messages from the same
// contact converge on the same ticket.
type Reconciler struct {
	beginner TxBeginner
	tickets  store.TicketRepository
	log      *slog.Logger
}

// NewReconciler creates a Reconciler.
func NewReconciler(beginner TxBeginner, tickets store.TicketRepository, log *slog.Logger) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{beginner: beginner, tickets: tickets, log: log}
}

// Reconcile finds the contact's active ticket or creates a new pendente one.
// Terminal tickets are never reopened; a contact returning after resolution
// always gets a fresh ticket. A non-empty contactName refreshes the ticket's
// stored contact name.
func (r *Reconciler) Reconcile(ctx context.Context, phone, contactName string) (*Result, error) {
	res, err := r.reconcileOnce(ctx, phone, contactName)
	if err == nil || !isUniqueConflict(err) {
		return res, err
	}
	// Lost a create race: the winner's ticket is committed now, re-read it.
	r.log.Debug("ticket create conflict, re-reading", "phone", phone)
	return r.reconcileOnce(ctx, phone, contactName)
}

func (r *Reconciler) reconcileOnce(ctx context.Context, phone, contactName string) (*Result, error) {
	tx, err := r.beginner.BeginImmediate(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	active, err := activeByPhoneTx(ctx, tx, phone)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if active != nil {
		if contactName != "" && (!active.ContactName.Valid || active.ContactName.String != contactName) {
			if _, err := tx.ExecContext(ctx,
				"UPDATE tickets SET contact_name = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
				contactName, active.ID,
			); err != nil {
				return nil, err
			}
			active.ContactName.String = contactName
			active.ContactName.Valid = true
		} else {
			if _, err := tx.ExecContext(ctx,
				"UPDATE tickets SET updated_at = CURRENT_TIMESTAMP WHERE id = ?", active.ID,
			); err != nil {
				return nil, err
			}
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return &Result{Ticket: active}, nil
	}

	var previous store.TicketStatus
	latest, err := latestByPhoneTx(ctx, tx, phone)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if latest != nil {
		previous = latest.Status
	}

	created, err := insertTx(ctx, tx, phone, contactName)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	r.log.Info("ticket created", "ticket_id", created.ID, "phone", phone)
	return &Result{Ticket: created, IsNew: true, PreviousStatus: previous}, nil
}

// Transition applies a guarded status change.
func (r *Reconciler) Transition(ctx context.Context, id int64, to store.TicketStatus) error {
	t, err := r.tickets.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !CanTransition(t.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, to)
	}
	return r.tickets.UpdateStatus(ctx, id, to)
}

// CanTransition reports whether a ticket may move from one status to another.
// Terminal tickets accept no transitions, and pendente is never a target; it
// only exists as the status tickets are born with.
func CanTransition(from, to store.TicketStatus) bool {
	if from.IsTerminal() || from == to {
		return false
	}
	switch from {
	case store.StatusPendente:
		return to == store.StatusEmAtendimento || to == store.StatusAguardando ||
			to == store.StatusResolvido || to == store.StatusEncerrado
	case store.StatusAguardando, store.StatusEmAtendimento:
		return to == store.StatusEmAtendimento || to == store.StatusAguardando ||
			to == store.StatusResolvido || to == store.StatusEncerrado
	default:
		return false
	}
}

func activeByPhoneTx(ctx context.Context, tx store.Tx, phone string) (*store.Ticket, error) {
	row := tx.QueryRowContext(ctx,
		"SELECT id, phone, seller_id, status, contact_name, created_at, updated_at FROM tickets WHERE phone = ? AND status NOT IN ('resolvido', 'encerrado') ORDER BY id DESC LIMIT 1",
		phone,
	)
	return store.ScanTicket(row)
}

func latestByPhoneTx(ctx context.Context, tx store.Tx, phone string) (*store.Ticket, error) {
	row := tx.QueryRowContext(ctx,
		"SELECT id, phone, seller_id, status, contact_name, created_at, updated_at FROM tickets WHERE phone = ? ORDER BY id DESC LIMIT 1",
		phone,
	)
	return store.ScanTicket(row)
}

func insertTx(ctx context.Context, tx store.Tx, phone, contactName string) (*store.Ticket, error) {
	res, err := tx.ExecContext(ctx,
		"INSERT INTO tickets (phone, status, contact_name) VALUES (?, 'pendente', NULLIF(?, ''))",
		phone, contactName,
	)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	row := tx.QueryRowContext(ctx,
		"SELECT id, phone, seller_id, status, contact_name, created_at, updated_at FROM tickets WHERE id = ?",
		id,
	)
	return store.ScanTicket(row)
}

func isUniqueConflict(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
