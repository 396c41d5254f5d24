package feedback

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patapim-server/internal/kvstore"
)

func newTestStore(t *testing.T) (*Store, *kvstore.MemoryStore, *time.Time) {
	t.Helper()
	kv := kvstore.NewMemoryStore()
	s := NewStore(kv, nil, zerolog.Nop())
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	s.Clock = func() time.Time { return now }
	return s, kv, &now
}

func TestSubmitBug(t *testing.T) {
	ctx := context.Background()
	s, _, now := newTestStore(t)

	_, err := s.SubmitBug(ctx, BugReport{Description: "   too short  "})
	assert.ErrorIs(t, err, ErrDescriptionTooShort)

	key, err := s.SubmitBug(ctx, BugReport{Email: " a@x.com ", Description: "  the app crashes on start  ", Platform: "win32"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, "bug:2026-03-02T12:00:00.000Z:"))
	assert.Len(t, strings.TrimPrefix(key, "bug:2026-03-02T12:00:00.000Z:"), 8)

	*now = now.Add(1500 * time.Millisecond)
	_, err = s.SubmitBug(ctx, BugReport{Description: "second report here"})
	require.NoError(t, err)

	bugs, err := s.ListBugs(ctx)
	require.NoError(t, err)
	require.Len(t, bugs, 2)
	assert.Equal(t, "second report here", bugs[0].Description, "newest first")
	assert.Equal(t, "bug", bugs[1].Type)
	assert.Equal(t, "a@x.com", bugs[1].Email)
	assert.Equal(t, "the app crashes on start", bugs[1].Description)
}

func TestListFeedbackSkipsAuditAndMarkers(t *testing.T) {
	ctx := context.Background()
	s, kv, _ := newTestStore(t)

	require.NoError(t, kvstore.PutJSON(ctx, kv, "feedback:a@x.com:1", map[string]interface{}{
		"email":       "a@x.com",
		"feedback":    map[string]interface{}{"improvements": "faster sync please"},
		"submittedAt": "2026-03-01T10:00:00Z",
	}, 0))
	require.NoError(t, kvstore.PutString(ctx, kv, "extension:a@x.com", "2026-03-15T10:00:00Z", 0))
	require.NoError(t, kvstore.PutJSON(ctx, kv, "note:1", map[string]interface{}{"text": "love it", "rating": 5, "timestamp": "2026-03-02T09:00:00Z"}, 0))
	require.NoError(t, s.Audit(ctx, AuditEntry{Action: "plan-change", AdminEmail: "boss@x.com", TargetEmail: "a@x.com", NewPlan: "pro"}))

	entries, err := s.ListFeedback(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "love it", entries[0].Feedback)
	require.NotNil(t, entries[0].Rating)
	assert.Equal(t, 5.0, *entries[0].Rating)
	assert.Equal(t, "faster sync please", entries[1].Feedback)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	log, err := s.AuditLog(ctx)
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, "2026-03-02T12:00:00.000Z", log[0].Timestamp)
}
