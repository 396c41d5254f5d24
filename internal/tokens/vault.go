// Package tokens implements short-lived, single-use secrets on top of the
// key-value store: OAuth state, pairing codes, connect tokens and pairing-poll
// results. A token is deleted as part of being consumed, so a second consume
// of the same token observes ErrNotFound.
package tokens

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"patapim-server/internal/apperr"
	"patapim-server/internal/kvstore"
	"patapim-server/internal/metrics"
)

// Namespace is the key prefix a token family lives under
type Namespace string

const (
	NamespaceOAuthState Namespace = "oauth_state"
	NamespacePairCode   Namespace = "pair"
	NamespaceConnect    Namespace = "connect"
	NamespacePairPoll   Namespace = "pair-poll"
)

const (
	// CodeAlphabet omits 0/O, 1/I/L so codes survive being read aloud
	CodeAlphabet   = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
	CodeLength     = 6
	PairCodeTTL    = 10 * time.Minute
	PairPollTTL    = 10 * time.Minute
	ConnectTTL     = 5 * time.Minute
	OAuthStateTTL  = 10 * time.Minute
	codeMaxRetries = 5
)

// ErrNotFound is returned for absent, expired or already consumed tokens
var ErrNotFound = apperr.NotFound("TOKEN_NOT_FOUND", "token not found or expired")

// envelope wraps every payload so expiry can be enforced even on stores with
// coarse TTL granularity
type envelope struct {
	Payload   json.RawMessage `json:"payload"`
	IssuedAt  time.Time       `json:"issuedAt"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

// Vault issues and consumes one-time tokens
type Vault struct {
	store kvstore.Store
	Clock func() time.Time
}

// NewVault creates a Vault over store
func NewVault(store kvstore.Store) *Vault {
	return &Vault{store: store, Clock: time.Now}
}

func key(ns Namespace, token string) string {
	return string(ns) + ":" + token
}

// normalize applies the lookup rules of a namespace. Pairing codes are
// human-typed and matched case-insensitively.
func normalize(ns Namespace, token string) string {
	token = strings.TrimSpace(token)
	if ns == NamespacePairCode {
		return strings.ToUpper(token)
	}
	return token
}

// NewToken returns a 128-bit random hex token
func NewToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// NewCode returns a CodeLength code over CodeAlphabet
func NewCode() (string, error) {
	max := big.NewInt(int64(len(CodeAlphabet)))
	out := make([]byte, CodeLength)
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate code: %w", err)
		}
		out[i] = CodeAlphabet[n.Int64()]
	}
	return string(out), nil
}

// Issue stores payload under a fresh random token
func (v *Vault) Issue(ctx context.Context, ns Namespace, payload any, ttl time.Duration) (string, error) {
	token, err := NewToken()
	if err != nil {
		return "", err
	}
	if err := v.Store(ctx, ns, token, payload, ttl); err != nil {
		return "", err
	}
	return token, nil
}

// IssueCode stores payload under a fresh pairing code. Codes that are
// already live are skipped.
func (v *Vault) IssueCode(ctx context.Context, payload any, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = PairCodeTTL
	}
	for attempt := 0; attempt < codeMaxRetries; attempt++ {
		code, err := NewCode()
		if err != nil {
			return "", err
		}
		_, err = v.store.Get(ctx, key(NamespacePairCode, code))
		if errors.Is(err, kvstore.ErrNotFound) {
			if err := v.Store(ctx, NamespacePairCode, code, payload, ttl); err != nil {
				return "", err
			}
			return code, nil
		}
		if err != nil {
			return "", fmt.Errorf("check pairing code: %w", err)
		}
	}
	metrics.TokensTotal.WithLabelValues(string(NamespacePairCode), "issue", "collision").Inc()
	return "", fmt.Errorf("could not allocate a unique pairing code")
}

// Store writes payload under a caller-chosen token
func (v *Vault) Store(ctx context.Context, ns Namespace, token string, payload any, ttl time.Duration) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", ns, err)
	}
	now := v.Clock()
	env := envelope{Payload: raw, IssuedAt: now, ExpiresAt: now.Add(ttl)}

	err = kvstore.PutJSON(ctx, v.store, key(ns, normalize(ns, token)), env, ttl)
	metrics.TokensTotal.WithLabelValues(string(ns), "issue", metrics.Result(err)).Inc()
	if err != nil {
		return fmt.Errorf("store %s token: %w", ns, err)
	}
	return nil
}

// Consume reads and deletes the token, decoding its payload into out. On
// backends with an atomic take only one concurrent caller can win. Elsewhere
// the delete happens before the payload is returned and a failed delete fails
// the consume, so a token is never handed out while it remains readable.
func (v *Vault) Consume(ctx context.Context, ns Namespace, token string, out any) error {
	token = normalize(ns, token)
	if token == "" {
		metrics.TokensTotal.WithLabelValues(string(ns), "consume", "miss").Inc()
		return ErrNotFound
	}

	raw, err := v.take(ctx, key(ns, token))
	if errors.Is(err, kvstore.ErrNotFound) {
		metrics.TokensTotal.WithLabelValues(string(ns), "consume", "miss").Inc()
		return ErrNotFound
	}
	if err != nil {
		metrics.TokensTotal.WithLabelValues(string(ns), "consume", "error").Inc()
		return fmt.Errorf("consume %s token: %w", ns, err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		metrics.TokensTotal.WithLabelValues(string(ns), "consume", "error").Inc()
		return fmt.Errorf("decode %s token: %w", ns, err)
	}
	if !env.ExpiresAt.IsZero() && !v.Clock().Before(env.ExpiresAt) {
		metrics.TokensTotal.WithLabelValues(string(ns), "consume", "expired").Inc()
		return ErrNotFound
	}

	metrics.TokensTotal.WithLabelValues(string(ns), "consume", "ok").Inc()
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", ns, err)
	}
	return nil
}

// Peek reports whether a token is live without consuming it
func (v *Vault) Peek(ctx context.Context, ns Namespace, token string) (bool, error) {
	token = normalize(ns, token)
	if token == "" {
		return false, nil
	}
	var env envelope
	err := kvstore.GetJSON(ctx, v.store, key(ns, token), &env)
	if errors.Is(err, kvstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return env.ExpiresAt.IsZero() || v.Clock().Before(env.ExpiresAt), nil
}

func (v *Vault) take(ctx context.Context, k string) ([]byte, error) {
	if t, ok := kvstore.AsTaker(v.store); ok {
		return t.Take(ctx, k)
	}
	raw, err := v.store.Get(ctx, k)
	if err != nil {
		return nil, err
	}
	if err := v.store.Delete(ctx, k); err != nil {
		return nil, err
	}
	return raw, nil
}
