package dispatch

import "net/http"

// Identity header names the bridge recognises, case-insensitively (which
// net/http.Header.Get already handles via canonicalization).
const (
	headerUserID = "X-OpenWebUI-User-Id"
	headerChatID = "X-OpenWebUI-Chat-Id"
)

// SessionKey derives the routing key: ("user", user_id, "chat", chat_id)
// when both identity headers are present and non-empty, otherwise
// ("ip", remote_address). An empty-string header is treated as absent.
func SessionKey(headers http.Header, remoteAddr string) string {
	userID := headers.Get(headerUserID)
	chatID := headers.Get(headerChatID)
	if userID != "" && chatID != "" {
		return "user:" + userID + ":chat:" + chatID
	}
	return "ip:" + remoteAddr
}
