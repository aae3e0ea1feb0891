package supervisor

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/Nycolazs/whatsapp-system-sub000/internal/identity"
	"github.com/Nycolazs/whatsapp-system-sub000/internal/store"
	"github.com/Nycolazs/whatsapp-system-sub000/internal/ticket"
)

// Sender sends text messages to a chat JID.
type Sender interface {
	SendText(ctx context.Context, jid, text string) (string, error)
}

// Downloader fetches media payloads.
type Downloader interface {
	Download(ctx context.Context, msg whatsmeow.DownloadableMessage) ([]byte, error)
}

// MediaStore persists downloaded attachments and returns their URL path.
type MediaStore interface {
	Save(messageType, mimetype string, data []byte) (string, error)
}

// TicketReconciler routes a contact to its active ticket and guards status
// changes.
type TicketReconciler interface {
	Reconcile(ctx context.Context, phone, contactName string) (*ticket.Result, error)
	Transition(ctx context.Context, id int64, to store.TicketStatus) error
}

// HoursEvaluator answers whether the desk is open.
type HoursEvaluator interface {
	IsOpen(ctx context.Context, now time.Time) bool
}

// Limiter grants automatic-message slots per contact.
type Limiter interface {
	Allow(ctx context.Context, phone string) (bool, error)
}

// EventSink receives ticket and message notifications for downstream
// consumers (dashboards, integrations).
type EventSink interface {
	Emit(event string, payload any)
}

// Resolver turns raw addressing into canonical phones.
type Resolver interface {
	Resolve(ctx context.Context, src identity.Source) (string, string, error)
}

// Settings keys the pipeline reads.
const (
	settingOutOfHoursMessage = "out_of_hours_message"
	settingOutOfHoursEnabled = "out_of_hours_enabled"
	settingWelcomeMessage    = "welcome_message"
	settingClosingMessage    = "closing_message"
)

// mediaFailureLabels maps message types to the labels used in failure markers.
var mediaFailureLabels = map[string]string{
	store.TypeImage:    "Imagem",
	store.TypeVideo:    "Vídeo",
	store.TypeAudio:    "Áudio",
	store.TypeDocument: "Documento",
	store.TypeSticker:  "Figurinha",
}

// Pipeline processes inbound client messages: identity resolution, ticket
// reconciliation, persistence, media download and automatic replies.
type Pipeline struct {
	resolver   Resolver
	reconciler TicketReconciler
	tickets    store.TicketRepository
	messages   store.MessageRepository
	settings   store.SettingsRepository
	blacklist  store.BlacklistRepository
	media      MediaStore
	sender     Sender
	downloader Downloader
	hours      HoursEvaluator
	limiter    Limiter
	sink       EventSink
	log        *slog.Logger

	downloads sync.WaitGroup
	now       func() time.Time
}

// PipelineDeps bundles the pipeline's collaborators.
type PipelineDeps struct {
	Resolver   Resolver
	Reconciler TicketReconciler
	Tickets    store.TicketRepository
	Messages   store.MessageRepository
	Settings   store.SettingsRepository
	Blacklist  store.BlacklistRepository
	Media      MediaStore
	Sender     Sender
	Downloader Downloader
	Hours      HoursEvaluator
	Limiter    Limiter
	Sink       EventSink
	Log        *slog.Logger
}

// NewPipeline creates a Pipeline.
func NewPipeline(deps PipelineDeps) *Pipeline {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		resolver:   deps.Resolver,
		reconciler: deps.Reconciler,
		tickets:    deps.Tickets,
		messages:   deps.Messages,
		settings:   deps.Settings,
		blacklist:  deps.Blacklist,
		media:      deps.Media,
		sender:     deps.Sender,
		downloader: deps.Downloader,
		hours:      deps.Hours,
		limiter:    deps.Limiter,
		sink:       deps.Sink,
		log:        log,
		now:        time.Now,
	}
}

// Handle processes one inbound message event. Errors are logged, never
// propagated: a bad message must not take down the event loop.
func (p *Pipeline) Handle(ctx context.Context, evt *events.Message) {
	if evt.Info.IsFromMe || evt.Info.IsGroup || evt.Info.Chat.Server == "broadcast" {
		return
	}

	src := identity.Source{RemoteJID: evt.Info.Chat.String()}
	if !evt.Info.SenderAlt.IsEmpty() {
		src.SenderPN = evt.Info.SenderAlt.String()
	}
	phone, method, err := p.resolver.Resolve(ctx, src)
	if err != nil {
		p.log.Warn("dropping message with unresolvable sender", "chat", src.RemoteJID, "error", err)
		return
	}

	content, msgType, part := classify(unwrap(evt.Message, 0))
	if msgType == store.TypeUnknown {
		p.log.Debug("ignoring protocol-only message", "chat", src.RemoteJID)
		return
	}

	res, err := p.reconciler.Reconcile(ctx, phone, evt.Info.PushName)
	if err != nil {
		p.log.Error("ticket reconciliation failed", "phone", phone, "error", err)
		return
	}
	t := res.Ticket

	if res.IsNew && res.PreviousStatus.IsTerminal() {
		p.insertSystemNote(ctx, t.ID, "Atendimento anterior "+string(res.PreviousStatus)+". Novo atendimento iniciado.")
	}

	msg := &store.Message{
		TicketID:    t.ID,
		Sender:      store.SenderClient,
		Content:     content,
		MessageType: msgType,
	}
	if evt.Info.PushName != "" {
		msg.SenderName = sql.NullString{String: evt.Info.PushName, Valid: true}
	}
	if key := providerKeyJSON(evt); key != "" {
		msg.ProviderKey = sql.NullString{String: key, Valid: true}
	}
	if payload, err := json.Marshal(evt.Message); err == nil {
		msg.ProviderPayload = sql.NullString{String: string(payload), Valid: true}
	}
	if part != nil {
		msg.MediaURL = sql.NullString{String: store.MediaLoading, Valid: true}
	}

	msgID, err := p.messages.Insert(ctx, msg)
	if err != nil {
		p.log.Error("failed to store message", "ticket_id", t.ID, "error", err)
		return
	}
	msg.ID = msgID

	p.log.Info("message stored",
		"ticket_id", t.ID, "message_id", msgID, "type", msgType,
		"identity_method", method, "new_ticket", res.IsNew)

	if res.IsNew {
		p.sink.Emit("ticket", t)
	}
	p.sink.Emit("message", msg)

	if part != nil {
		p.downloads.Add(1)
		go p.downloadMedia(msgID, msgType, *part)
	}

	p.autoReply(ctx, t, evt.Info.Chat.String(), phone)
}

// Wait blocks until all in-flight media downloads finish.
func (p *Pipeline) Wait() {
	p.downloads.Wait()
}

// Resolve closes a ticket as resolvido and sends the configured closing
// message to the contact. Send failures are logged only; the status change
// stands regardless.
func (p *Pipeline) Resolve(ctx context.Context, ticketID int64) error {
	t, err := p.tickets.GetByID(ctx, ticketID)
	if err != nil {
		return err
	}
	if err := p.reconciler.Transition(ctx, ticketID, store.StatusResolvido); err != nil {
		return err
	}

	text, err := p.settings.Get(ctx, settingClosingMessage)
	if err != nil || text == "" {
		return nil
	}
	if _, err := p.sender.SendText(ctx, chatJID(t.Phone), text); err != nil {
		p.log.Error("failed to send closing message", "ticket_id", ticketID, "error", err)
		return nil
	}
	p.log.Info("closing message sent", "ticket_id", ticketID)
	return nil
}

// chatJID turns a stored phone into a sendable chat address.
func chatJID(phone string) string {
	if strings.Contains(phone, "@") {
		return phone
	}
	return phone + "@s.whatsapp.net"
}

func (p *Pipeline) insertSystemNote(ctx context.Context, ticketID int64, note string) {
	_, err := p.messages.Insert(ctx, &store.Message{
		TicketID:    ticketID,
		Sender:      store.SenderSystem,
		Content:     note,
		MessageType: store.TypeSystem,
	})
	if err != nil {
		p.log.Error("failed to store system note", "ticket_id", ticketID, "error", err)
	}
}

// downloadMedia fetches the attachment and replaces the loading placeholder
// with the stored URL, or with a failure marker when the download fails.
func (p *Pipeline) downloadMedia(msgID int64, msgType string, part mediaPart) {
	defer p.downloads.Done()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	data, err := p.downloader.Download(ctx, part.downloadable)
	if err == nil {
		var url string
		url, err = p.media.Save(msgType, part.mimetype, data)
		if err == nil {
			if err := p.messages.SetMediaURL(ctx, msgID, url); err != nil {
				p.log.Error("failed to record media url", "message_id", msgID, "error", err)
			}
			return
		}
	}

	label, ok := mediaFailureLabels[msgType]
	if !ok {
		label = "Arquivo"
	}
	p.log.Warn("media download failed", "message_id", msgID, "type", msgType, "error", err)
	if err := p.messages.FailMedia(ctx, msgID, "["+label+" - erro ao carregar]"); err != nil {
		p.log.Error("failed to mark media failure", "message_id", msgID, "error", err)
	}
}

// autoReply sends the welcome or out-of-hours notice when applicable.
func (p *Pipeline) autoReply(ctx context.Context, t *store.Ticket, chatJID, phone string) {
	if p.hours.IsOpen(ctx, p.now()) {
		p.sendWelcome(ctx, t, chatJID)
		return
	}

	enabled, err := p.settings.Get(ctx, settingOutOfHoursEnabled)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		p.log.Error("failed to read out-of-hours setting", "error", err)
		return
	}
	if enabled != "1" && !strings.EqualFold(enabled, "true") {
		return
	}

	blocked, err := p.blacklist.Contains(ctx, phone)
	if err != nil {
		p.log.Error("failed to check blacklist", "phone", phone, "error", err)
		return
	}
	if blocked {
		return
	}

	ok, err := p.limiter.Allow(ctx, phone)
	if err != nil {
		p.log.Error("out-of-hours throttle check failed", "phone", phone, "error", err)
		return
	}
	if !ok {
		return
	}

	text, err := p.settings.Get(ctx, settingOutOfHoursMessage)
	if err != nil || text == "" {
		return
	}
	if _, err := p.sender.SendText(ctx, chatJID, text); err != nil {
		p.log.Error("failed to send out-of-hours notice", "phone", phone, "error", err)
		return
	}
	p.insertSystemNote(ctx, t.ID, text)
	p.log.Info("out-of-hours notice sent", "ticket_id", t.ID, "phone", phone)
}

// sendWelcome sends the configured welcome message once per ticket, only
// before any agent or system message exists on it.
func (p *Pipeline) sendWelcome(ctx context.Context, t *store.Ticket, chatJID string) {
	text, err := p.settings.Get(ctx, settingWelcomeMessage)
	if err != nil || text == "" {
		return
	}
	has, err := p.messages.HasStaffMessage(ctx, t.ID)
	if err != nil {
		p.log.Error("failed to check staff messages", "ticket_id", t.ID, "error", err)
		return
	}
	if has {
		return
	}
	if _, err := p.sender.SendText(ctx, chatJID, text); err != nil {
		p.log.Error("failed to send welcome message", "ticket_id", t.ID, "error", err)
		return
	}
	p.insertSystemNote(ctx, t.ID, text)
}

// providerKeyJSON rebuilds the provider message key as stored JSON.
func providerKeyJSON(evt *events.Message) string {
	key := map[string]any{
		"remoteJid": evt.Info.Chat.String(),
		"fromMe":    evt.Info.IsFromMe,
		"id":        evt.Info.ID,
	}
	if !evt.Info.SenderAlt.IsEmpty() {
		key["senderPn"] = evt.Info.SenderAlt.String()
	}
	b, err := json.Marshal(key)
	if err != nil {
		return ""
	}
	return string(b)
}

// mediaPart carries what the async download needs from a message part.
type mediaPart struct {
	downloadable whatsmeow.DownloadableMessage
	mimetype     string
}

// unwrap peels container layers (view-once, ephemeral, edits) off a message,
// bounded to guard against hostile nesting.
func unwrap(msg *waE2E.Message, depth int) *waE2E.Message {
	if msg == nil || depth >= 3 {
		return msg
	}
	if v := msg.GetViewOnceMessage().GetMessage(); v != nil {
		return unwrap(v, depth+1)
	}
	if v := msg.GetViewOnceMessageV2().GetMessage(); v != nil {
		return unwrap(v, depth+1)
	}
	if v := msg.GetEphemeralMessage().GetMessage(); v != nil {
		return unwrap(v, depth+1)
	}
	if v := msg.GetEditedMessage().GetMessage(); v != nil {
		return unwrap(v, depth+1)
	}
	return msg
}

// classify extracts the text content, message type and optional media part
// from an unwrapped message.
func classify(msg *waE2E.Message) (content, msgType string, part *mediaPart) {
	switch {
	case msg == nil:
		return "", store.TypeUnknown, nil
	case msg.GetConversation() != "":
		return msg.GetConversation(), store.TypeText, nil
	case msg.GetExtendedTextMessage().GetText() != "":
		return msg.GetExtendedTextMessage().GetText(), store.TypeText, nil
	case msg.GetImageMessage() != nil:
		m := msg.GetImageMessage()
		return m.GetCaption(), store.TypeImage, &mediaPart{m, m.GetMimetype()}
	case msg.GetVideoMessage() != nil:
		m := msg.GetVideoMessage()
		return m.GetCaption(), store.TypeVideo, &mediaPart{m, m.GetMimetype()}
	case msg.GetAudioMessage() != nil:
		m := msg.GetAudioMessage()
		return "", store.TypeAudio, &mediaPart{m, m.GetMimetype()}
	case msg.GetStickerMessage() != nil:
		m := msg.GetStickerMessage()
		return "", store.TypeSticker, &mediaPart{m, m.GetMimetype()}
	case msg.GetDocumentMessage() != nil:
		m := msg.GetDocumentMessage()
		content := m.GetCaption()
		if content == "" {
			content = m.GetFileName()
		}
		return content, store.TypeDocument, &mediaPart{m, m.GetMimetype()}
	case msg.GetProtocolMessage() != nil || msg.GetSenderKeyDistributionMessage() != nil:
		return "", store.TypeUnknown, nil
	default:
		return "[Mídia não suportada]", store.TypeOther, nil
	}
}
