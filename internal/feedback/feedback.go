// Package feedback stores bug reports and the admin audit log in the
// feedback namespace, and reads back everything users submitted there.
package feedback

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"patapim-server/internal/apperr"
	"patapim-server/internal/events"
	"patapim-server/internal/kvstore"
)

const (
	MinDescriptionLength = 10

	bugPrefix   = "bug:"
	auditPrefix = "admin-log:"

	// fixed-width UTC timestamps so keys and listings sort lexically
	timestampLayout = "2006-01-02T15:04:05.000Z"
)

var ErrDescriptionTooShort = apperr.Validation("INVALID_DESCRIPTION", "Description must be at least 10 characters")

// BugReport is what the desktop app submits
type BugReport struct {
	Type        string `json:"type"`
	Email       string `json:"email"`
	Description string `json:"description"`
	AppVersion  string `json:"appVersion"`
	Platform    string `json:"platform"`
	Timestamp   string `json:"timestamp"`
}

// Bug is a stored BugReport with its key
type Bug struct {
	Key string `json:"key"`
	BugReport
}

// Entry is one item of the generic feedback listing
type Entry struct {
	Key       string   `json:"key"`
	Email     string   `json:"email"`
	Feedback  string   `json:"feedback"`
	Rating    *float64 `json:"rating"`
	Timestamp string   `json:"timestamp"`
}

// AuditEntry records an operator action
type AuditEntry struct {
	Action         string `json:"action"`
	AdminEmail     string `json:"adminEmail"`
	TargetEmail    string `json:"targetEmail"`
	TargetGoogleID string `json:"targetGoogleId,omitempty"`
	NewPlan        string `json:"newPlan,omitempty"`
	Timestamp      string `json:"timestamp"`
}

type Store struct {
	kv     kvstore.Store
	events events.Publisher
	logger zerolog.Logger
	Clock  func() time.Time
}

func NewStore(kv kvstore.Store, publisher events.Publisher, logger zerolog.Logger) *Store {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Store{
		kv:     kv,
		events: publisher,
		logger: logger.With().Str("component", "Feedback").Logger(),
		Clock:  time.Now,
	}
}

// SubmitBug stores r under bug:{timestamp}:{id} and returns the key
func (s *Store) SubmitBug(ctx context.Context, r BugReport) (string, error) {
	r.Description = strings.TrimSpace(r.Description)
	if len(r.Description) < MinDescriptionLength {
		return "", ErrDescriptionTooShort
	}

	r.Type = "bug"
	r.Email = strings.TrimSpace(r.Email)
	r.Timestamp = s.Clock().UTC().Format(timestampLayout)
	id := uuid.NewString()[:8]
	key := bugPrefix + r.Timestamp + ":" + id

	if err := kvstore.PutJSON(ctx, s.kv, key, r, 0); err != nil {
		return "", fmt.Errorf("write bug report: %w", err)
	}

	s.logger.Info().Str("id", id).Str("platform", r.Platform).Str("app_version", r.AppVersion).Msg("Bug report received")
	s.events.Publish(events.Event{
		Type: events.EventBugReported,
		Data: map[string]interface{}{"id": id, "summary": summarize(r.Description, 200)},
	})
	return key, nil
}

func summarize(s string, max int) string {
	if r := []rune(s); len(r) > max {
		return string(r[:max]) + "…"
	}
	return s
}

// ListBugs returns every bug report, newest first
func (s *Store) ListBugs(ctx context.Context) ([]Bug, error) {
	keys, err := kvstore.ListAll(ctx, s.kv, bugPrefix)
	if err != nil {
		return nil, err
	}

	bugs := make([]Bug, 0, len(keys))
	err = kvstore.FetchBatch(ctx, s.kv, keys, 50, func(key string, value []byte) error {
		var r BugReport
		if err := json.Unmarshal(value, &r); err != nil {
			s.logger.Warn().Str("key", key).Err(err).Msg("Skipping unreadable bug report")
			return nil
		}
		bugs = append(bugs, Bug{Key: key, BugReport: r})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(bugs, func(i, j int) bool { return bugs[i].Timestamp > bugs[j].Timestamp })
	return bugs, nil
}

// rawEntry covers the shapes stored in the namespace: bug reports, trial
// feedback and free-form messages
type rawEntry struct {
	Email       string          `json:"email"`
	Feedback    json.RawMessage `json:"feedback"`
	Text        string          `json:"text"`
	Message     string          `json:"message"`
	Description string          `json:"description"`
	Rating      *float64        `json:"rating"`
	Timestamp   string          `json:"timestamp"`
	CreatedAt   string          `json:"createdAt"`
	SubmittedAt string          `json:"submittedAt"`
}

func (r rawEntry) text() string {
	if len(r.Feedback) > 0 {
		var s string
		if json.Unmarshal(r.Feedback, &s) == nil && s != "" {
			return s
		}
		var trial struct {
			Improvements    string `json:"improvements"`
			MissingFeatures string `json:"missingFeatures"`
		}
		if json.Unmarshal(r.Feedback, &trial) == nil && trial.Improvements != "" {
			return trial.Improvements
		}
	}
	for _, s := range []string{r.Text, r.Message, r.Description} {
		if s != "" {
			return s
		}
	}
	return ""
}

func (r rawEntry) timestamp() string {
	for _, s := range []string{r.Timestamp, r.CreatedAt, r.SubmittedAt} {
		if s != "" {
			return s
		}
	}
	return ""
}

// ListFeedback returns every JSON record in the namespace except the audit
// log, newest first. Plain string markers are skipped.
func (s *Store) ListFeedback(ctx context.Context) ([]Entry, error) {
	keys, err := kvstore.ListAll(ctx, s.kv, "")
	if err != nil {
		return nil, err
	}
	filtered := keys[:0]
	for _, k := range keys {
		if !strings.HasPrefix(k, auditPrefix) {
			filtered = append(filtered, k)
		}
	}

	entries := make([]Entry, 0, len(filtered))
	err = kvstore.FetchBatch(ctx, s.kv, filtered, 50, func(key string, value []byte) error {
		var r rawEntry
		if json.Unmarshal(value, &r) != nil {
			return nil
		}
		entries = append(entries, Entry{
			Key:       key,
			Email:     r.Email,
			Feedback:  r.text(),
			Rating:    r.Rating,
			Timestamp: r.timestamp(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Timestamp > entries[j].Timestamp })
	return entries, nil
}

// Count returns the number of keys in the namespace
func (s *Store) Count(ctx context.Context) (int, error) {
	keys, err := kvstore.ListAll(ctx, s.kv, "")
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Audit appends e to the admin log
func (s *Store) Audit(ctx context.Context, e AuditEntry) error {
	now := s.Clock().UTC()
	if e.Timestamp == "" {
		e.Timestamp = now.Format(timestampLayout)
	}
	// two actions in the same millisecond must not overwrite each other
	key := auditPrefix + strconv.FormatInt(now.UnixMilli(), 10) + ":" + uuid.NewString()[:8]
	if err := kvstore.PutJSON(ctx, s.kv, key, e, 0); err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	s.logger.Info().Str("action", e.Action).Str("admin", e.AdminEmail).Str("target", e.TargetEmail).Msg("Admin action")
	return nil
}

// AuditLog returns the admin log, newest first
func (s *Store) AuditLog(ctx context.Context) ([]AuditEntry, error) {
	keys, err := kvstore.ListAll(ctx, s.kv, auditPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]AuditEntry, 0, len(keys))
	err = kvstore.FetchBatch(ctx, s.kv, keys, 50, func(key string, value []byte) error {
		var e AuditEntry
		if json.Unmarshal(value, &e) == nil {
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	return out, nil
}
