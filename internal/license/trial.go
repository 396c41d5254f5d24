package license

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog"

	"patapim-server/internal/apperr"
	"patapim-server/internal/kvstore"
)

// TrialExtensionDays is how far a feedback-for-time extension pushes the trial
const TrialExtensionDays = 14

// TrialFeatures are the feature ids a trial user may report using
var TrialFeatures = []string{
	"multi-terminal",
	"grid-view",
	"remote-access",
	"voice-dictation",
	"task-management",
	"github-integration",
	"plugin-system",
	"mcp-browser",
	"file-editor",
	"context-preservation",
	"passkey-auth",
	"keyboard-shortcuts",
}

// TrialFeedback is the questionnaire exchanged for an extension
type TrialFeedback struct {
	FeaturesUsed    []string `json:"featuresUsed"`
	Improvements    string   `json:"improvements"`
	MissingFeatures string   `json:"missingFeatures"`
	RecommendScore  int      `json:"recommendScore"`
}

// TrialRecord is stored under trial:{email} and trial:{machineId}
type TrialRecord struct {
	Plan      string    `json:"plan"`
	Status    string    `json:"status"`
	TrialEnd  time.Time `json:"trialEnd"`
	Email     string    `json:"email"`
	MachineID string    `json:"machineId"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type feedbackRecord struct {
	Email           string        `json:"email"`
	MachineID       string        `json:"machineId"`
	Feedback        TrialFeedback `json:"feedback"`
	SubmittedAt     time.Time     `json:"submittedAt"`
	TrialExtendedTo time.Time     `json:"trialExtendedTo"`
	IP              string        `json:"ip"`
}

var (
	ErrTrialAlreadyExtended   = apperr.Integrity("TRIAL_ALREADY_EXTENDED", "Trial already extended. One extension per user.")
	ErrMachineAlreadyExtended = apperr.Integrity("TRIAL_ALREADY_EXTENDED", "Trial already extended on this machine.")
)

// ValidateFeedback applies the questionnaire rules
func ValidateFeedback(fb TrialFeedback) error {
	invalid := func(msg string) error { return apperr.Validation("INVALID_FEEDBACK", msg) }

	if len(fb.FeaturesUsed) < 2 {
		return invalid("Please select at least 2 features you use.")
	}
	for _, f := range fb.FeaturesUsed {
		if !knownFeature(f) {
			return invalid("Invalid feature: " + f)
		}
	}

	improvements := strings.TrimSpace(fb.Improvements)
	missing := strings.TrimSpace(fb.MissingFeatures)
	if len([]rune(improvements)) < 50 {
		return invalid("Improvements feedback must be at least 50 characters.")
	}
	if len([]rune(missing)) < 50 {
		return invalid("Missing features feedback must be at least 50 characters.")
	}
	if fb.RecommendScore < 1 || fb.RecommendScore > 10 {
		return invalid("Recommend score must be between 1 and 10.")
	}
	if len([]rune(improvements))+len([]rune(missing)) < 100 {
		return invalid("Total feedback must be at least 100 characters.")
	}
	if distinctNonSpace(improvements) < 8 {
		return invalid("Please provide genuine feedback.")
	}
	return nil
}

func knownFeature(f string) bool {
	for _, known := range TrialFeatures {
		if f == known {
			return true
		}
	}
	return false
}

func distinctNonSpace(s string) int {
	seen := make(map[rune]struct{})
	for _, r := range strings.ToLower(s) {
		if unicode.IsSpace(r) {
			continue
		}
		seen[r] = struct{}{}
	}
	return len(seen)
}

// Trials grants one feedback-for-time extension per email and per machine.
// Markers and feedback live in the feedback store; the trial records the
// desktop client reads live in the license store.
type Trials struct {
	licenses kvstore.Store
	feedback kvstore.Store
	logger   zerolog.Logger
	Clock    func() time.Time
}

func NewTrials(licenses, feedback kvstore.Store, logger zerolog.Logger) *Trials {
	return &Trials{
		licenses: licenses,
		feedback: feedback,
		logger:   logger.With().Str("component", "Trials").Logger(),
		Clock:    time.Now,
	}
}

// ExtendTrial validates fb and records a TrialExtensionDays extension
func (t *Trials) ExtendTrial(ctx context.Context, email, machineID, ip string, fb TrialFeedback) (*TrialRecord, error) {
	email = NormalizeEmail(email)
	machineID = strings.TrimSpace(machineID)
	if email == "" || machineID == "" {
		return nil, apperr.Validation("MISSING_FIELDS", "Missing required fields: email, machineId, feedback.")
	}
	if err := ValidateFeedback(fb); err != nil {
		return nil, err
	}

	if exists, err := t.marker(ctx, "extension:"+email); err != nil {
		return nil, err
	} else if exists {
		return nil, ErrTrialAlreadyExtended
	}
	if exists, err := t.marker(ctx, "machine:"+machineID); err != nil {
		return nil, err
	} else if exists {
		return nil, ErrMachineAlreadyExtended
	}

	now := t.Clock().UTC()
	trialEnd := now.AddDate(0, 0, TrialExtensionDays)
	if ip == "" {
		ip = "unknown"
	}

	rec := feedbackRecord{
		Email:           email,
		MachineID:       machineID,
		Feedback:        fb,
		SubmittedAt:     now,
		TrialExtendedTo: trialEnd,
		IP:              ip,
	}
	fbKey := "feedback:" + email + ":" + strconv.FormatInt(now.UnixMilli(), 10)
	if err := kvstore.PutJSON(ctx, t.feedback, fbKey, rec, 0); err != nil {
		return nil, fmt.Errorf("write feedback: %w", err)
	}
	end := trialEnd.Format(time.RFC3339)
	if err := kvstore.PutString(ctx, t.feedback, "extension:"+email, end, 0); err != nil {
		return nil, fmt.Errorf("write extension marker: %w", err)
	}
	if err := kvstore.PutString(ctx, t.feedback, "machine:"+machineID, end, 0); err != nil {
		return nil, fmt.Errorf("write machine marker: %w", err)
	}

	trial := &TrialRecord{
		Plan:      "pro_trial",
		Status:    "trial_extended",
		TrialEnd:  trialEnd,
		Email:     email,
		MachineID: machineID,
		UpdatedAt: now,
	}
	for _, k := range []string{"trial:" + email, "trial:" + machineID} {
		if err := kvstore.PutJSON(ctx, t.licenses, k, trial, 0); err != nil {
			return nil, fmt.Errorf("write trial record: %w", err)
		}
	}

	t.logger.Info().Str("email", email).Time("trial_end", trialEnd).Msg("Trial extended")
	return trial, nil
}

// Trial returns the extension recorded for an email or machine id
func (t *Trials) Trial(ctx context.Context, emailOrMachine string) (*TrialRecord, error) {
	id := strings.TrimSpace(emailOrMachine)
	if strings.Contains(id, "@") {
		id = NormalizeEmail(id)
	}
	var rec TrialRecord
	err := kvstore.GetJSON(ctx, t.licenses, "trial:"+id, &rec)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, apperr.NotFound("TRIAL_NOT_FOUND", "no trial extension recorded")
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (t *Trials) marker(ctx context.Context, key string) (bool, error) {
	_, err := t.feedback.Get(ctx, key)
	if errors.Is(err, kvstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", key, err)
	}
	return true, nil
}
