package database

import (
	"testing"

	"patapim-server/internal/kvstore"
)

var _ kvstore.Store = (*KVStore)(nil)
var _ kvstore.Conditional = (*KVStore)(nil)
var _ kvstore.Taker = (*KVStore)(nil)

func TestLikePrefix(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"license:", "license:%"},
		{"stats:downloads:", "stats:downloads:%"},
		{"user_email:", `user\_email:%`},
		{"100%", `100\%%`},
		{`a\b`, `a\\b%`},
		{"", "%"},
	}
	for _, tt := range tests {
		if got := likePrefix(tt.in); got != tt.want {
			t.Errorf("likePrefix(%q): expected %q, got %q", tt.in, tt.want, got)
		}
	}
}
