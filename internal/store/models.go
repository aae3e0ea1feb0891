// Package store provides data persistence for the support desk.
package store

import (
	"database/sql"
	"time"
)

// TicketStatus is the lifecycle status of a ticket.
type TicketStatus string

const (
	StatusPendente      TicketStatus = "pendente"
	StatusAguardando    TicketStatus = "aguardando"
	StatusEmAtendimento TicketStatus = "em_atendimento"
	StatusResolvido     TicketStatus = "resolvido"
	StatusEncerrado     TicketStatus = "encerrado"
)

// IsTerminal returns true for statuses that end the conversation. A ticket in
// a terminal status is immutable history; new contact opens a new ticket.
func (s TicketStatus) IsTerminal() bool {
	return s == StatusResolvido || s == StatusEncerrado
}

// Sender classes for messages.
const (
	SenderClient = "client"
	SenderAgent  = "agent"
	SenderSystem = "system"
)

// Message types.
const (
	TypeText     = "text"
	TypeImage    = "image"
	TypeVideo    = "video"
	TypeAudio    = "audio"
	TypeDocument = "document"
	TypeSticker  = "sticker"
	TypeUnknown  = "unknown"
	TypeOther    = "other"
	TypeSystem   = "system"
)

// MediaLoading is the transient placeholder stored while a media download is
// in flight. It must always be replaced by a real URL or cleared.
const MediaLoading = "loading"

// Ticket represents one conversation with one contact.
type Ticket struct {
	ID          int64          `json:"id"`
	Phone       string         `json:"phone"`
	SellerID    sql.NullInt64  `json:"seller_id"`
	Status      TicketStatus   `json:"status"`
	ContactName sql.NullString `json:"contact_name"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Message belongs to exactly one ticket.
type Message struct {
	ID          int64          `json:"id"`
	TicketID    int64          `json:"ticket_id"`
	Sender      string         `json:"sender"`
	Content     string         `json:"content"`
	MessageType string         `json:"message_type"`
	MediaURL    sql.NullString `json:"media_url"`
	SenderName  sql.NullString `json:"sender_name"`
	ReplyToID   sql.NullInt64  `json:"reply_to_id"`
	// Raw provider key/payload JSON, kept so quoted replies can be built later.
	ProviderKey     sql.NullString `json:"-"`
	ProviderPayload sql.NullString `json:"-"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// BusinessHour is one weekly schedule row, keyed by weekday (0=Sunday).
type BusinessHour struct {
	Day       int
	OpenTime  string
	CloseTime string
	Enabled   bool
}

// BusinessException overrides the weekly schedule for one calendar date.
type BusinessException struct {
	Date      string // YYYY-MM-DD
	Closed    bool
	OpenTime  sql.NullString
	CloseTime sql.NullString
	Reason    sql.NullString
}

// Reminder is a scheduled follow-up on a ticket.
type Reminder struct {
	ID          int64
	TicketID    int64
	SellerID    int64
	Note        sql.NullString
	ScheduledAt time.Time
	Status      string
	NotifiedAt  sql.NullTime
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Reminder statuses.
const (
	ReminderScheduled = "scheduled"
	ReminderNotified  = "notified"
)
