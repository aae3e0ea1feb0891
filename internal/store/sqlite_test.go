package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *SQLiteStore {
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// Ticket Repository Tests

func TestSQLiteTicketRepo_InsertAndGet(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	ticket, err := store.Tickets.Insert(ctx, "5511999999999", "Maria")
	require.NoError(t, err)
	assert.Equal(t, StatusPendente, ticket.Status)
	assert.Equal(t, "5511999999999", ticket.Phone)
	assert.Equal(t, "Maria", ticket.ContactName.String)

	retrieved, err := store.Tickets.GetByID(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, ticket.ID, retrieved.ID)
}

func TestSQLiteTicketRepo_ActiveByPhone(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	// No ticket yet
	_, err := store.Tickets.ActiveByPhone(ctx, "5511999999999")
	assert.ErrorIs(t, err, ErrNotFound)

	ticket, err := store.Tickets.Insert(ctx, "5511999999999", "")
	require.NoError(t, err)

	active, err := store.Tickets.ActiveByPhone(ctx, "5511999999999")
	require.NoError(t, err)
	assert.Equal(t, ticket.ID, active.ID)

	// Terminal tickets are not active
	err = store.Tickets.UpdateStatus(ctx, ticket.ID, StatusEncerrado)
	require.NoError(t, err)
	_, err = store.Tickets.ActiveByPhone(ctx, "5511999999999")
	assert.ErrorIs(t, err, ErrNotFound)

	latest, err := store.Tickets.LatestByPhone(ctx, "5511999999999")
	require.NoError(t, err)
	assert.Equal(t, ticket.ID, latest.ID)
	assert.Equal(t, StatusEncerrado, latest.Status)
}

func TestSQLiteTicketRepo_UniqueActivePerPhone(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	_, err := store.Tickets.Insert(ctx, "5511999999999", "")
	require.NoError(t, err)

	// A second active ticket for the same phone violates the unique index.
	_, err = store.Tickets.Insert(ctx, "5511999999999", "")
	assert.Error(t, err)

	// A different phone is fine.
	_, err = store.Tickets.Insert(ctx, "5511888888888", "")
	assert.NoError(t, err)
}

func TestSQLiteTicketRepo_NewTicketAfterTerminal(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	first, err := store.Tickets.Insert(ctx, "5511999999999", "")
	require.NoError(t, err)
	err = store.Tickets.UpdateStatus(ctx, first.ID, StatusResolvido)
	require.NoError(t, err)

	second, err := store.Tickets.Insert(ctx, "5511999999999", "")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, StatusPendente, second.Status)
}

func TestSQLiteTicketRepo_ReleaseIdle(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	ticket, err := store.Tickets.Insert(ctx, "5511999999999", "")
	require.NoError(t, err)
	err = store.Tickets.UpdateStatus(ctx, ticket.ID, StatusEmAtendimento)
	require.NoError(t, err)

	// Cutoff in the past releases nothing.
	n, err := store.Tickets.ReleaseIdle(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	// Cutoff in the future releases the idle ticket and unassigns the seller.
	n, err = store.Tickets.ReleaseIdle(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	released, err := store.Tickets.GetByID(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAguardando, released.Status)
	assert.False(t, released.SellerID.Valid)
}

// Message Repository Tests

func TestSQLiteMessageRepo_InsertAndGet(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	ticket, err := store.Tickets.Insert(ctx, "5511999999999", "")
	require.NoError(t, err)

	id, err := store.Messages.Insert(ctx, &Message{
		TicketID:    ticket.ID,
		Sender:      SenderClient,
		Content:     "Olá, preciso de ajuda",
		MessageType: TypeText,
		SenderName:  sql.NullString{String: "Maria", Valid: true},
		ProviderKey: sql.NullString{String: `{"remoteJid":"5511999999999@s.whatsapp.net","id":"ABC"}`, Valid: true},
	})
	require.NoError(t, err)

	msg, err := store.Messages.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Olá, preciso de ajuda", msg.Content)
	assert.Equal(t, SenderClient, msg.Sender)
	assert.Equal(t, "Maria", msg.SenderName.String)
}

func TestSQLiteMessageRepo_MediaLifecycle(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	ticket, err := store.Tickets.Insert(ctx, "5511999999999", "")
	require.NoError(t, err)

	id, err := store.Messages.Insert(ctx, &Message{
		TicketID:    ticket.ID,
		Sender:      SenderClient,
		MessageType: TypeImage,
		MediaURL:    sql.NullString{String: MediaLoading, Valid: true},
	})
	require.NoError(t, err)

	// Download completes
	err = store.Messages.SetMediaURL(ctx, id, "/media/images/abc.jpg")
	require.NoError(t, err)
	msg, err := store.Messages.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "/media/images/abc.jpg", msg.MediaURL.String)

	// Download fails on another message: placeholder cleared, marker stored
	id2, err := store.Messages.Insert(ctx, &Message{
		TicketID:    ticket.ID,
		Sender:      SenderClient,
		MessageType: TypeVideo,
		MediaURL:    sql.NullString{String: MediaLoading, Valid: true},
	})
	require.NoError(t, err)
	err = store.Messages.FailMedia(ctx, id2, "[Vídeo - erro ao carregar]")
	require.NoError(t, err)
	msg, err = store.Messages.GetByID(ctx, id2)
	require.NoError(t, err)
	assert.False(t, msg.MediaURL.Valid)
	assert.Equal(t, "[Vídeo - erro ao carregar]", msg.Content)
}

func TestSQLiteMessageRepo_HasStaffMessage(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	ticket, err := store.Tickets.Insert(ctx, "5511999999999", "")
	require.NoError(t, err)

	_, err = store.Messages.Insert(ctx, &Message{TicketID: ticket.ID, Sender: SenderClient, Content: "oi", MessageType: TypeText})
	require.NoError(t, err)

	has, err := store.Messages.HasStaffMessage(ctx, ticket.ID)
	require.NoError(t, err)
	assert.False(t, has)

	_, err = store.Messages.Insert(ctx, &Message{TicketID: ticket.ID, Sender: SenderSystem, Content: "Bem-vindo!", MessageType: TypeSystem})
	require.NoError(t, err)

	has, err = store.Messages.HasStaffMessage(ctx, ticket.ID)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestSQLiteMessageRepo_FindPhoneByAlias(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	ticket, err := store.Tickets.Insert(ctx, "5511999999999", "")
	require.NoError(t, err)

	_, err = store.Messages.Insert(ctx, &Message{
		TicketID:    ticket.ID,
		Sender:      SenderClient,
		Content:     "oi",
		MessageType: TypeText,
		ProviderKey: sql.NullString{String: `{"remoteJid":"123456789012345@lid","id":"XYZ"}`, Valid: true},
	})
	require.NoError(t, err)

	phone, err := store.Messages.FindPhoneByAlias(ctx, "123456789012345")
	require.NoError(t, err)
	assert.Equal(t, "5511999999999", phone)

	_, err = store.Messages.FindPhoneByAlias(ctx, "999888777666555")
	assert.ErrorIs(t, err, ErrNotFound)
}

// Settings Repository Tests

func TestSQLiteSettingsRepo_Seeds(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	enabled, err := store.Settings.Get(ctx, "out_of_hours_enabled")
	require.NoError(t, err)
	assert.Equal(t, "1", enabled)

	msg, err := store.Settings.Get(ctx, "out_of_hours_message")
	require.NoError(t, err)
	assert.NotEmpty(t, msg)

	welcome, err := store.Settings.Get(ctx, "welcome_message")
	require.NoError(t, err)
	assert.Equal(t, DefaultWelcomeMessage, welcome)

	closing, err := store.Settings.Get(ctx, "closing_message")
	require.NoError(t, err)
	assert.Equal(t, DefaultClosingMessage, closing)

	await, err := store.Settings.Get(ctx, "await_minutes")
	require.NoError(t, err)
	assert.Equal(t, "0", await)
}

func TestSQLiteSettingsRepo_SetOverwrites(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	err := store.Settings.Set(ctx, "out_of_hours_enabled", "0")
	require.NoError(t, err)

	value, err := store.Settings.Get(ctx, "out_of_hours_enabled")
	require.NoError(t, err)
	assert.Equal(t, "0", value)

	_, err = store.Settings.Get(ctx, "missing_key")
	assert.ErrorIs(t, err, ErrNotFound)
}

// Hours Repository Tests

func TestSQLiteHoursRepo_WeekdaySeeds(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	monday, err := store.Hours.Weekday(ctx, 1)
	require.NoError(t, err)
	assert.True(t, monday.Enabled)
	assert.Equal(t, "09:00", monday.OpenTime)
	assert.Equal(t, "18:00", monday.CloseTime)

	sunday, err := store.Hours.Weekday(ctx, 0)
	require.NoError(t, err)
	assert.False(t, sunday.Enabled)
}

func TestSQLiteHoursRepo_Exception(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	_, err := store.Hours.Exception(ctx, "2026-12-25")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.db.ExecContext(ctx,
		"INSERT INTO business_exceptions (date, closed, reason) VALUES (?, 1, ?)",
		"2026-12-25", "Natal",
	)
	require.NoError(t, err)

	exc, err := store.Hours.Exception(ctx, "2026-12-25")
	require.NoError(t, err)
	assert.True(t, exc.Closed)
	assert.Equal(t, "Natal", exc.Reason.String)
}

// Throttle Repository Tests

func TestSQLiteThrottleRepo_TryMarkSent(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	cooldown := 120 * time.Minute
	now := time.Now()

	// First attempt wins the slot
	ok, err := store.Throttle.TryMarkSent(ctx, "5511999999999", now, cooldown)
	require.NoError(t, err)
	assert.True(t, ok)

	// Within the cooldown the slot is taken
	ok, err = store.Throttle.TryMarkSent(ctx, "5511999999999", now.Add(time.Minute), cooldown)
	require.NoError(t, err)
	assert.False(t, ok)

	// After the cooldown the slot reopens
	ok, err = store.Throttle.TryMarkSent(ctx, "5511999999999", now.Add(cooldown), cooldown)
	require.NoError(t, err)
	assert.True(t, ok)

	// Other phones are independent
	ok, err = store.Throttle.TryMarkSent(ctx, "5511888888888", now, cooldown)
	require.NoError(t, err)
	assert.True(t, ok)
}

// Blacklist Repository Tests

func TestSQLiteBlacklistRepo_Contains(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	ok, err := store.Blacklist.Contains(ctx, "5511999999999")
	require.NoError(t, err)
	assert.False(t, ok)

	err = store.Blacklist.Add(ctx, "5511999999999", "pediu para não receber avisos")
	require.NoError(t, err)

	ok, err = store.Blacklist.Contains(ctx, "5511999999999")
	require.NoError(t, err)
	assert.True(t, ok)

	// Duplicate adds are ignored
	err = store.Blacklist.Add(ctx, "5511999999999", "")
	assert.NoError(t, err)
}

// Reminder Repository Tests

func TestSQLiteReminderRepo_DueAndNotify(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	ticket, err := store.Tickets.Insert(ctx, "5511999999999", "")
	require.NoError(t, err)
	sellerID, err := store.Sellers.Insert(ctx, "Carlos")
	require.NoError(t, err)

	now := time.Now()
	pastID, err := store.Reminders.Insert(ctx, &Reminder{
		TicketID:    ticket.ID,
		SellerID:    sellerID,
		Note:        sql.NullString{String: "retornar ligação", Valid: true},
		ScheduledAt: now.Add(-time.Hour),
	})
	require.NoError(t, err)
	_, err = store.Reminders.Insert(ctx, &Reminder{
		TicketID:    ticket.ID,
		SellerID:    sellerID,
		ScheduledAt: now.Add(time.Hour),
	})
	require.NoError(t, err)

	due, err := store.Reminders.Due(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, pastID, due[0].ID)
	assert.Equal(t, "retornar ligação", due[0].Note.String)

	err = store.Reminders.MarkNotified(ctx, pastID, now)
	require.NoError(t, err)

	due, err = store.Reminders.Due(ctx, now)
	require.NoError(t, err)
	assert.Len(t, due, 0)
}
