package dispatch

import (
	"net/http"
	"testing"
)

func TestSessionKeyPrefersIdentityHeaders(t *testing.T) {
	h := http.Header{}
	h.Set(headerUserID, "u1")
	h.Set(headerChatID, "c1")

	got := SessionKey(h, "203.0.113.1:5555")
	want := "user:u1:chat:c1"
	if got != want {
		t.Errorf("SessionKey = %q, want %q", got, want)
	}
}

func TestSessionKeyFallsBackToRemoteAddr(t *testing.T) {
	cases := []struct {
		name string
		h    http.Header
	}{
		{"no headers at all", http.Header{}},
		{"user id only", func() http.Header { h := http.Header{}; h.Set(headerUserID, "u1"); return h }()},
		{"chat id only", func() http.Header { h := http.Header{}; h.Set(headerChatID, "c1"); return h }()},
		{"empty-string user id", func() http.Header {
			h := http.Header{}
			h.Set(headerUserID, "")
			h.Set(headerChatID, "c1")
			return h
		}()},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := SessionKey(c.h, "203.0.113.1:5555")
			want := "ip:203.0.113.1:5555"
			if got != want {
				t.Errorf("SessionKey = %q, want %q", got, want)
			}
		})
	}
}
