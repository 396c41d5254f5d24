package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"INFO", zerolog.InfoLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"bogus", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.in), tt.in)
	}
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "PTPM-****-WXYZ", MaskKey("PTPM-ABCD-EFGH-WXYZ"))
	assert.Equal(t, "****", MaskKey("nokey"))
	assert.Equal(t, "****", MaskKey("trailing-"))
}

func TestWithTraceContext(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)
	ctx := NewContext(context.Background(), base)

	ctx, l := WithTraceContext(ctx, "abc123")
	l.Info().Msg("hello")

	assert.Equal(t, "abc123", TraceID(ctx))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "abc123", entry["trace_id"])
	assert.Equal(t, "hello", entry["message"])

	buf.Reset()
	fromCtx := FromContext(ctx)
	fromCtx.Info().Msg("again")
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "abc123", entry["trace_id"])
}

func TestWithTraceContextGeneratesID(t *testing.T) {
	ctx, _ := WithTraceContext(context.Background(), "")
	assert.Len(t, TraceID(ctx), 32)
}
