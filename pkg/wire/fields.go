package wire

// The backend historically emits two spellings for the same concept
// (snake_case and camelCase) depending on which service produced the frame.
// Internally exactly one canonical key is used; the variants exist only at
// this boundary.

// fieldVariants maps a canonical key to every spelling seen on the wire,
// canonical spelling included. Backfilled values are written at all variants
// on outbound frames so either consumer convention works.
var fieldVariants = map[string][]string{
	"message_id":        {"message_id", "messageId", "msg_id"},
	"client_message_id": {"client_message_id", "clientMessageId"},
	"chat_id":           {"chat_id", "chatId"},
	"session_id":        {"session_id", "sessionId"},
	"visitor_id":        {"visitor_id", "visitorId"},
	"tenant_id":         {"tenant_id", "tenantId"},
	"event_ts":          {"event_ts", "timestamp", "eventTimestamp"},
	"text":              {"text", "message"},
	"content":           {"content", "body"},
	"code":              {"code", "errorCode"},
	"token":             {"token", "authToken"},
}

// canonicalFor is the inverse of fieldVariants: wire spelling -> canonical.
var canonicalFor = func() map[string]string {
	m := make(map[string]string, len(fieldVariants)*2)
	for canon, variants := range fieldVariants {
		for _, v := range variants {
			m[v] = canon
		}
	}
	return m
}()

// CanonicalKey returns the internal key for a wire spelling, or the spelling
// itself when it is not part of the mapping table.
func CanonicalKey(k string) string {
	if c, ok := canonicalFor[k]; ok {
		return c
	}
	return k
}

// Variants returns every wire spelling for a canonical key.
func Variants(canon string) []string {
	if vs, ok := fieldVariants[canon]; ok {
		return vs
	}
	return []string{canon}
}
