package helper

import (
	"regexp"
	"strconv"
	"strings"

	"go.mau.fi/whatsmeow/types"
)

var nonDigits = regexp.MustCompile(`[^\d+]`)

// FormatWhatsAppID normalizes a raw recipient into a protocol-qualified id.
// The default user domain is appended when the input carries no suffix.
// Brazilian mobile numbers (+55, DDD >= 31) drop the ninth digit because the
// protocol addresses those accounts by their legacy eight-digit number.
func FormatWhatsAppID(rawID string) string {
	suffix := "@" + types.DefaultUserServer
	if parts := strings.Split(rawID, "@"); len(parts) > 1 {
		suffix = "@" + parts[1]
	}

	id := nonDigits.ReplaceAllString(rawID, "")
	if !strings.HasPrefix(id, "+") {
		id = "+" + id
	}

	if strings.HasPrefix(id, "+55") && len(id) == 14 {
		ddd, err := strconv.Atoi(id[3:5])
		if err == nil && ddd >= 31 {
			id = id[:5] + id[6:]
		}
	}

	return strings.TrimPrefix(id, "+") + suffix
}

// RevWhatsAppID restores the ninth digit stripped by FormatWhatsAppID so the
// number can be displayed the way the user typed it.
func RevWhatsAppID(rawID string) string {
	id := nonDigits.ReplaceAllString(rawID, "")
	if !strings.HasPrefix(id, "+") {
		id = "+" + id
	}

	if strings.HasPrefix(id, "+55") && len(id) == 13 {
		ddd, err := strconv.Atoi(id[3:5])
		if err == nil && ddd >= 31 {
			id = id[:5] + "9" + id[5:]
		}
	}

	return strings.TrimPrefix(id, "+")
}

// ToJID parses a normalized id into a whatsmeow JID.
func ToJID(rawID string) types.JID {
	id := FormatWhatsAppID(rawID)
	parts := strings.SplitN(id, "@", 2)
	return types.JID{User: parts[0], Server: parts[1]}
}

// StripJID extracts the bare phone number from a JID string.
// "6285148107612:43@s.whatsapp.net" -> "6285148107612"
func StripJID(jid string) string {
	beforeAt := strings.SplitN(jid, "@", 2)[0]
	return strings.SplitN(beforeAt, ":", 2)[0]
}
