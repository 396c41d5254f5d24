package license

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKey(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		key, err := GenerateKey()
		require.NoError(t, err)
		assert.Len(t, key, len("PTPM-XXXX-XXXX-XXXX-XXXX"))
		assert.True(t, ValidKeyFormat(key), key)
		assert.NotContains(t, key[5:], "O")
		assert.NotContains(t, key[5:], "I")
		assert.NotContains(t, key[5:], "0")
		assert.NotContains(t, key[5:], "1")
		seen[key] = true
	}
	assert.Len(t, seen, 200)
}

func TestValidKeyFormat(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{"PTPM-ABCD-EFGH-JK23", true},
		{"ptpm-abcd-efgh-jk23", true},
		{" PTPM-ABCD-EFGH-JK23 ", true},
		{"PTPM-ABCD-EFGH-JK23-WXYZ", true},
		{"PTPM-ABCD-EFGH", false},
		{"PTPM-ABCD-EFGH-JK2O", false},
		{"PTPM-ABCD-EFGH-JK21", false},
		{"XXXX-ABCD-EFGH-JK23", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ValidKeyFormat(tt.key), tt.key)
	}
}

func TestMapProviderStatus(t *testing.T) {
	tests := map[string]Status{
		"active":             StatusActive,
		"trialing":           StatusTrialing,
		"past_due":           StatusPastDue,
		"unpaid":             StatusPastDue,
		"canceled":           StatusCanceled,
		"incomplete_expired": StatusExpired,
		"expired":            StatusExpired,
		"payment_failed":     StatusPaymentFailed,
		"incomplete":         StatusActive,
		"paused":             StatusActive,
		"":                   StatusActive,
	}
	for in, want := range tests {
		assert.Equal(t, want, MapProviderStatus(in), in)
	}
}

func TestValidateFeedback(t *testing.T) {
	good := TrialFeedback{
		FeaturesUsed:    []string{"multi-terminal", "grid-view"},
		Improvements:    "The grid view could remember layouts per project and restore them on start.",
		MissingFeatures: "I would like split panes inside a single terminal and a searchable history.",
		RecommendScore:  8,
	}
	require.NoError(t, ValidateFeedback(good))

	bad := good
	bad.FeaturesUsed = []string{"multi-terminal"}
	assert.ErrorContains(t, ValidateFeedback(bad), "at least 2 features")

	bad = good
	bad.FeaturesUsed = []string{"multi-terminal", "teleport"}
	assert.ErrorContains(t, ValidateFeedback(bad), "Invalid feature: teleport")

	bad = good
	bad.Improvements = "too short"
	assert.ErrorContains(t, ValidateFeedback(bad), "Improvements feedback")

	bad = good
	bad.RecommendScore = 11
	assert.ErrorContains(t, ValidateFeedback(bad), "Recommend score")

	bad = good
	bad.Improvements = "aaaaaaaaaa bbbbbbbbbb cccccccccc dddddddddd eeeeeeeeee ffff"
	assert.ErrorContains(t, ValidateFeedback(bad), "genuine feedback")
}
