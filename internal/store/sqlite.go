package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements all repositories using SQLite.
type SQLiteStore struct {
	db        *sql.DB
	Tickets   *SQLiteTicketRepo
	Messages  *SQLiteMessageRepo
	Sellers   *SQLiteSellerRepo
	Settings  *SQLiteSettingsRepo
	Hours     *SQLiteHoursRepo
	Throttle  *SQLiteThrottleRepo
	Blacklist *SQLiteBlacklistRepo
	Reminders *SQLiteReminderRepo
}

// NewSQLiteStore creates a new SQLite-backed store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// The reconciliation transaction takes the write lock up front; a second
	// connection would only trade lock errors for busy timeouts.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &SQLiteStore{
		db:        db,
		Tickets:   &SQLiteTicketRepo{db: db},
		Messages:  &SQLiteMessageRepo{db: db},
		Sellers:   &SQLiteSellerRepo{db: db},
		Settings:  &SQLiteSettingsRepo{db: db},
		Hours:     &SQLiteHoursRepo{db: db},
		Throttle:  &SQLiteThrottleRepo{db: db},
		Blacklist: &SQLiteBlacklistRepo{db: db},
		Reminders: &SQLiteReminderRepo{db: db},
	}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// BeginImmediate opens a write transaction that takes the database lock up
// front (via _txlock=immediate in the DSN), so concurrent reconciliations
// for the same phone serialize instead of deadlocking mid-transaction.
func (s *SQLiteStore) BeginImmediate(ctx context.Context) (Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

func runMigrations(db *sql.DB) error {
	migration := `
	CREATE TABLE IF NOT EXISTS sellers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		email TEXT UNIQUE,
		active BOOLEAN NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS tickets (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		phone TEXT,
		seller_id INTEGER,
		status TEXT NOT NULL DEFAULT 'pendente',
		contact_name TEXT,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (seller_id) REFERENCES sellers(id)
	);

	CREATE INDEX IF NOT EXISTS idx_tickets_phone ON tickets(phone);
	CREATE INDEX IF NOT EXISTS idx_tickets_updated_at ON tickets(updated_at);
	CREATE INDEX IF NOT EXISTS idx_tickets_status_updated_at ON tickets(status, updated_at);

	-- At most one non-terminal ticket per phone. The reconciliation engine
	-- relies on this to turn duplicate-active races into constraint errors.
	CREATE UNIQUE INDEX IF NOT EXISTS uniq_active_ticket_per_phone
		ON tickets(phone)
		WHERE phone IS NOT NULL
		  AND phone != ''
		  AND status NOT IN ('resolvido', 'encerrado');

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ticket_id INTEGER NOT NULL,
		sender TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		message_type TEXT NOT NULL DEFAULT 'text',
		media_url TEXT,
		sender_name TEXT,
		reply_to_id INTEGER,
		whatsapp_key TEXT,
		whatsapp_message TEXT,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (ticket_id) REFERENCES tickets(id),
		FOREIGN KEY (reply_to_id) REFERENCES messages(id)
	);

	CREATE INDEX IF NOT EXISTS idx_messages_ticket_created_at ON messages(ticket_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_messages_ticket_sender ON messages(ticket_id, sender);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT
	);

	CREATE TABLE IF NOT EXISTS business_hours (
		day INTEGER PRIMARY KEY,
		open_time TEXT,
		close_time TEXT,
		enabled INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS business_exceptions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		date TEXT UNIQUE,
		closed INTEGER NOT NULL DEFAULT 1,
		open_time TEXT,
		close_time TEXT,
		reason TEXT
	);

	CREATE TABLE IF NOT EXISTS out_of_hours_log (
		phone TEXT PRIMARY KEY,
		last_sent_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS blacklist (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		phone TEXT UNIQUE,
		reason TEXT,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_blacklist_phone ON blacklist(phone);

	CREATE TABLE IF NOT EXISTS ticket_reminders (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ticket_id INTEGER NOT NULL,
		seller_id INTEGER NOT NULL,
		note TEXT,
		scheduled_at DATETIME NOT NULL,
		status TEXT NOT NULL DEFAULT 'scheduled',
		notified_at DATETIME,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (ticket_id) REFERENCES tickets(id),
		FOREIGN KEY (seller_id) REFERENCES sellers(id)
	);

	CREATE INDEX IF NOT EXISTS idx_reminders_scheduled_at ON ticket_reminders(scheduled_at);
	CREATE INDEX IF NOT EXISTS idx_reminders_status ON ticket_reminders(status);
	`
	if _, err := db.Exec(migration); err != nil {
		return err
	}
	return seedDefaults(db)
}

// Default automatic-reply texts, seeded into settings on first run. The
// settings table holds the live values; these are the fallbacks restored by a
// fresh database.
const (
	DefaultOutOfHoursMessage = "🕒 Nosso horário de atendimento já encerrou. Retornaremos no próximo horário de funcionamento."
	DefaultWelcomeMessage    = "👋 Olá! Seja bem-vindo(a)! Um de nossos atendentes já vai responder você. Por favor, aguarde um momento."
	DefaultClosingMessage    = "✅ Seu atendimento foi encerrado. Obrigado por entrar em contato! Se precisar de ajuda novamente, é só enviar uma mensagem."
)

// seedDefaults inserts the default weekly schedule and settings on first run.
func seedDefaults(db *sql.DB) error {
	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM business_hours").Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		for day := 0; day <= 6; day++ {
			enabled := 1
			if day == 0 || day == 6 {
				enabled = 0
			}
			if _, err := db.Exec(
				"INSERT INTO business_hours (day, open_time, close_time, enabled) VALUES (?, ?, ?, ?)",
				day, "09:00", "18:00", enabled,
			); err != nil {
				return err
			}
		}
	}

	seeds := map[string]string{
		"out_of_hours_message": DefaultOutOfHoursMessage,
		"out_of_hours_enabled": "1",
		"welcome_message":      DefaultWelcomeMessage,
		"closing_message":      DefaultClosingMessage,
		"await_minutes":        "0",
	}
	for key, value := range seeds {
		if _, err := db.Exec("INSERT OR IGNORE INTO settings (key, value) VALUES (?, ?)", key, value); err != nil {
			return err
		}
	}
	return nil
}

const ticketColumns = "id, phone, seller_id, status, contact_name, created_at, updated_at"

// ScanTicket scans one ticket row. Exported so the reconciliation engine can
// reuse it inside its own transaction.
func ScanTicket(row *sql.Row) (*Ticket, error) {
	var t Ticket
	var phone sql.NullString
	err := row.Scan(&t.ID, &phone, &t.SellerID, &t.Status, &t.ContactName, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Phone = phone.String
	return &t, nil
}

// SQLiteTicketRepo implements TicketRepository.
type SQLiteTicketRepo struct {
	db *sql.DB
}

func (r *SQLiteTicketRepo) GetByID(ctx context.Context, id int64) (*Ticket, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+ticketColumns+" FROM tickets WHERE id = ?", id)
	return ScanTicket(row)
}

func (r *SQLiteTicketRepo) ActiveByPhone(ctx context.Context, phone string) (*Ticket, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+ticketColumns+" FROM tickets WHERE phone = ? AND status NOT IN ('resolvido', 'encerrado') ORDER BY id DESC LIMIT 1",
		phone,
	)
	return ScanTicket(row)
}

func (r *SQLiteTicketRepo) LatestByPhone(ctx context.Context, phone string) (*Ticket, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+ticketColumns+" FROM tickets WHERE phone = ? ORDER BY id DESC LIMIT 1",
		phone,
	)
	return ScanTicket(row)
}

func (r *SQLiteTicketRepo) Insert(ctx context.Context, phone string, contactName string) (*Ticket, error) {
	res, err := r.db.ExecContext(ctx,
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
	return r.GetByID(ctx, id)
}

func (r *SQLiteTicketRepo) UpdateStatus(ctx context.Context, id int64, status TicketStatus) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE tickets SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		string(status), id,
	)
	return err
}

func (r *SQLiteTicketRepo) UpdateContactName(ctx context.Context, id int64, contactName string) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE tickets SET contact_name = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		contactName, id,
	)
	return err
}

func (r *SQLiteTicketRepo) Touch(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, "UPDATE tickets SET updated_at = CURRENT_TIMESTAMP WHERE id = ?", id)
	return err
}

// ReleaseIdle moves em_atendimento tickets idle since before cutoff back to
// aguardando and unassigns the seller. Used by the auto-await job.
func (r *SQLiteTicketRepo) ReleaseIdle(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		"UPDATE tickets SET status = 'aguardando', seller_id = NULL, updated_at = CURRENT_TIMESTAMP WHERE status = 'em_atendimento' AND updated_at <= ?",
		cutoff.UTC().Format("2006-01-02 15:04:05"),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const messageColumns = "id, ticket_id, sender, content, message_type, media_url, sender_name, reply_to_id, whatsapp_key, whatsapp_message, created_at, updated_at"

func scanMessage(row *sql.Row) (*Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.TicketID, &m.Sender, &m.Content, &m.MessageType, &m.MediaURL,
		&m.SenderName, &m.ReplyToID, &m.ProviderKey, &m.ProviderPayload, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// SQLiteMessageRepo implements MessageRepository.
type SQLiteMessageRepo struct {
	db *sql.DB
}

func (r *SQLiteMessageRepo) Insert(ctx context.Context, msg *Message) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO messages (ticket_id, sender, content, message_type, media_url, sender_name, reply_to_id, whatsapp_key, whatsapp_message, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)`,
		msg.TicketID, msg.Sender, msg.Content, msg.MessageType, msg.MediaURL,
		msg.SenderName, msg.ReplyToID, msg.ProviderKey, msg.ProviderPayload,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r *SQLiteMessageRepo) GetByID(ctx context.Context, id int64) (*Message, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+messageColumns+" FROM messages WHERE id = ?", id)
	return scanMessage(row)
}

func (r *SQLiteMessageRepo) ListByTicket(ctx context.Context, ticketID int64, limit int) ([]Message, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE ticket_id = ? ORDER BY id ASC LIMIT ?",
		ticketID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		err := rows.Scan(&m.ID, &m.TicketID, &m.Sender, &m.Content, &m.MessageType, &m.MediaURL,
			&m.SenderName, &m.ReplyToID, &m.ProviderKey, &m.ProviderPayload, &m.CreatedAt, &m.UpdatedAt)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (r *SQLiteMessageRepo) SetMediaURL(ctx context.Context, id int64, mediaURL string) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE messages SET media_url = ?, updated_at = strftime('%Y-%m-%d %H:%M:%f','now') WHERE id = ?",
		mediaURL, id,
	)
	return err
}

// FailMedia clears the loading placeholder and degrades the content to an
// explicit failure marker, so the conversation never sticks on "loading".
func (r *SQLiteMessageRepo) FailMedia(ctx context.Context, id int64, content string) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE messages SET media_url = NULL, content = ?, updated_at = strftime('%Y-%m-%d %H:%M:%f','now') WHERE id = ?",
		content, id,
	)
	return err
}

func (r *SQLiteMessageRepo) HasStaffMessage(ctx context.Context, ticketID int64) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM messages WHERE ticket_id = ? AND sender IN ('agent', 'system')",
		ticketID,
	).Scan(&count)
	return count > 0, err
}

// FindPhoneByAlias searches stored provider keys for a prior message routed
// through the given opaque identifier and returns the phone of its ticket.
func (r *SQLiteMessageRepo) FindPhoneByAlias(ctx context.Context, alias string) (string, error) {
	var phone string
	err := r.db.QueryRowContext(ctx, `
		SELECT t.phone FROM messages m
		JOIN tickets t ON t.id = m.ticket_id
		WHERE m.whatsapp_key LIKE ?
		ORDER BY m.id DESC LIMIT 1`,
		"%"+alias+"%",
	).Scan(&phone)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return phone, nil
}

// SQLiteSellerRepo manages the sellers table.
type SQLiteSellerRepo struct {
	db *sql.DB
}

func (r *SQLiteSellerRepo) Insert(ctx context.Context, name string) (int64, error) {
	res, err := r.db.ExecContext(ctx, "INSERT INTO sellers (name) VALUES (?)", name)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r *SQLiteSellerRepo) GetName(ctx context.Context, id int64) (string, error) {
	var name string
	err := r.db.QueryRowContext(ctx, "SELECT name FROM sellers WHERE id = ?", id).Scan(&name)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return name, nil
}

// SQLiteSettingsRepo implements SettingsRepository.
type SQLiteSettingsRepo struct {
	db *sql.DB
}

func (r *SQLiteSettingsRepo) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

func (r *SQLiteSettingsRepo) Set(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx,
		"INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value,
	)
	return err
}

// SQLiteHoursRepo implements HoursRepository.
type SQLiteHoursRepo struct {
	db *sql.DB
}

func (r *SQLiteHoursRepo) Weekday(ctx context.Context, day int) (*BusinessHour, error) {
	var h BusinessHour
	var open, close_ sql.NullString
	err := r.db.QueryRowContext(ctx,
		"SELECT day, open_time, close_time, enabled FROM business_hours WHERE day = ?",
		day,
	).Scan(&h.Day, &open, &close_, &h.Enabled)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	h.OpenTime = open.String
	h.CloseTime = close_.String
	return &h, nil
}

func (r *SQLiteHoursRepo) Exception(ctx context.Context, date string) (*BusinessException, error) {
	var e BusinessException
	err := r.db.QueryRowContext(ctx,
		"SELECT date, closed, open_time, close_time, reason FROM business_exceptions WHERE date = ?",
		date,
	).Scan(&e.Date, &e.Closed, &e.OpenTime, &e.CloseTime, &e.Reason)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// SQLiteThrottleRepo implements ThrottleRepository.
type SQLiteThrottleRepo struct {
	db *sql.DB
}

func (r *SQLiteThrottleRepo) TryMarkSent(ctx context.Context, phone string, now time.Time, cooldown time.Duration) (bool, error) {
	// Single conditional upsert: the WHERE clause on the conflict branch makes
	// concurrent callers race on one statement instead of read-then-write.
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO out_of_hours_log (phone, last_sent_at) VALUES (?, ?)
		ON CONFLICT(phone) DO UPDATE SET last_sent_at = excluded.last_sent_at
		WHERE excluded.last_sent_at - out_of_hours_log.last_sent_at >= ?`,
		phone, now.UnixMilli(), cooldown.Milliseconds(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SQLiteBlacklistRepo implements BlacklistRepository.
type SQLiteBlacklistRepo struct {
	db *sql.DB
}

func (r *SQLiteBlacklistRepo) Contains(ctx context.Context, phone string) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM blacklist WHERE phone = ?", phone).Scan(&count)
	return count > 0, err
}

// Add inserts a phone into the blacklist, ignoring duplicates.
func (r *SQLiteBlacklistRepo) Add(ctx context.Context, phone, reason string) error {
	_, err := r.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO blacklist (phone, reason) VALUES (?, ?)",
		phone, reason,
	)
	return err
}

// SQLiteReminderRepo implements ReminderRepository.
type SQLiteReminderRepo struct {
	db *sql.DB
}

func (r *SQLiteReminderRepo) Insert(ctx context.Context, rem *Reminder) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		"INSERT INTO ticket_reminders (ticket_id, seller_id, note, scheduled_at) VALUES (?, ?, ?, ?)",
		rem.TicketID, rem.SellerID, rem.Note, rem.ScheduledAt.UTC().Format("2006-01-02 15:04:05"),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r *SQLiteReminderRepo) Due(ctx context.Context, now time.Time) ([]Reminder, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, ticket_id, seller_id, note, scheduled_at, status, notified_at, created_at, updated_at
		FROM ticket_reminders
		WHERE status = 'scheduled' AND scheduled_at <= ?
		ORDER BY scheduled_at ASC`,
		now.UTC().Format("2006-01-02 15:04:05"),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reminders []Reminder
	for rows.Next() {
		var rem Reminder
		err := rows.Scan(&rem.ID, &rem.TicketID, &rem.SellerID, &rem.Note, &rem.ScheduledAt,
			&rem.Status, &rem.NotifiedAt, &rem.CreatedAt, &rem.UpdatedAt)
		if err != nil {
			return nil, err
		}
		reminders = append(reminders, rem)
	}
	return reminders, rows.Err()
}

func (r *SQLiteReminderRepo) MarkNotified(ctx context.Context, id int64, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE ticket_reminders SET status = 'notified', notified_at = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		at.UTC().Format("2006-01-02 15:04:05"), id,
	)
	return err
}
