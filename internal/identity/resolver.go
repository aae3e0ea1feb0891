// Package identity resolves provider addressing identifiers into canonical
// phone numbers used as ticket keys.
package identity

import (
	"context"
	"errors"
	"log/slog"
	"strings"
)

// ErrUnresolvable is returned when no strategy can produce an identifier.
var ErrUnresolvable = errors.New("identity: no usable identifier")

// HistoryStore looks up a previously stored phone by an opaque provider alias.
type HistoryStore interface {
	FindPhoneByAlias(ctx context.Context, alias string) (string, error)
}

// Source carries the raw addressing fields of an inbound event. SenderPN is
// the provider-supplied real phone JID, present on messages from aliased
// contacts; RemoteJID is the chat address.
type Source struct {
	RemoteJID string
	SenderPN  string
}

// Resolution methods, reported for logging.
const (
	MethodRealPhone = "real_phone"
	MethodHistory   = "history"
	MethodOpaque    = "opaque"
)

// Resolver turns a Source into a canonical phone, trying strategies from the
// most trustworthy to the least: a real phone JID, then the message history,
// then the opaque alias digits themselves.
type Resolver struct {
	history HistoryStore
	log     *slog.Logger
}

// NewResolver creates a Resolver. history may be nil, in which case the
// history strategy is skipped.
func NewResolver(history HistoryStore, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{history: history, log: log}
}

// Resolve returns the canonical phone for src and the method that produced it.
func (r *Resolver) Resolve(ctx context.Context, src Source) (string, string, error) {
	if phone, ok := r.realPhone(src); ok {
		return phone, MethodRealPhone, nil
	}
	if phone, ok := r.historyLookup(ctx, src); ok {
		return phone, MethodHistory, nil
	}
	if phone, ok := opaqueDigits(src); ok {
		r.log.Warn("using opaque identifier as ticket key", "remote_jid", src.RemoteJID)
		return phone, MethodOpaque, nil
	}
	return "", "", ErrUnresolvable
}

// realPhone extracts a plausible phone from a non-aliased JID. SenderPN is
// preferred because aliased chats carry the real phone there.
func (r *Resolver) realPhone(src Source) (string, bool) {
	for _, jid := range []string{src.SenderPN, src.RemoteJID} {
		if jid == "" || isOpaque(jid) {
			continue
		}
		if phone, ok := normalizePhone(jid); ok {
			return phone, true
		}
	}
	return "", false
}

// historyLookup searches stored provider keys for a message previously routed
// through the alias, recovering the phone its ticket was opened with.
func (r *Resolver) historyLookup(ctx context.Context, src Source) (string, bool) {
	if r.history == nil || !isOpaque(src.RemoteJID) {
		return "", false
	}
	alias := digitsOnly(userPart(src.RemoteJID))
	if len(alias) < 8 || len(alias) > 25 {
		return "", false
	}
	phone, err := r.history.FindPhoneByAlias(ctx, alias)
	if err != nil || phone == "" {
		return "", false
	}
	return phone, true
}

// opaqueDigits accepts an opaque alias's digits as a stable last-resort key.
// Phone-addressed JIDs that failed validation are never accepted here: the
// widened digit bounds apply to aliases only.
func opaqueDigits(src Source) (string, bool) {
	for _, jid := range []string{src.RemoteJID, src.SenderPN} {
		if !isOpaque(jid) {
			continue
		}
		digits := digitsOnly(userPart(jid))
		if len(digits) >= 8 && len(digits) <= 25 {
			return digits, true
		}
	}
	return "", false
}

// isOpaque reports whether the JID is a hidden-user alias rather than a
// phone-addressed JID.
func isOpaque(jid string) bool {
	_, server, ok := strings.Cut(jid, "@")
	return ok && server == "lid"
}

// normalizePhone validates and canonicalizes a JID into a Brazilian-first
// phone number. Local numbers get the 55 country code prefixed.
func normalizePhone(jid string) (string, bool) {
	digits := digitsOnly(userPart(jid))
	switch {
	case strings.HasPrefix(digits, "55") && len(digits) >= 12 && len(digits) <= 13:
		return digits, true
	case len(digits) >= 10 && len(digits) <= 11:
		return "55" + digits, true
	case len(digits) >= 10 && len(digits) <= 15:
		return digits, true
	default:
		return "", false
	}
}

// userPart strips the server suffix and the device qualifier from a JID:
// "5511999999999:12@s.whatsapp.net" becomes "5511999999999".
func userPart(jid string) string {
	if at := strings.IndexByte(jid, '@'); at >= 0 {
		jid = jid[:at]
	}
	if colon := strings.IndexByte(jid, ':'); colon >= 0 {
		jid = jid[:colon]
	}
	return jid
}

func digitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, c := range s {
		if c >= '0' && c <= '9' {
			b.WriteRune(c)
		}
	}
	return b.String()
}
