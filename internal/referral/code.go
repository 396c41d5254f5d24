package referral

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"patapim-server/internal/apperr"
	"patapim-server/internal/kvstore"
)

const (
	codeAlphabet    = "abcdefghjkmnpqrstuvwxyz23456789"
	codeLength      = 8
	codeMaxAttempts = 10
)

var ErrUnknownCode = apperr.NotFound("UNKNOWN_REFERRAL_CODE", "referral code not found")

func codeKey(code string) string       { return "refcode:" + code }
func codeOwnerKey(email string) string { return "refcode-owner:" + email }

func newCode() (string, error) {
	max := big.NewInt(int64(len(codeAlphabet)))
	buf := make([]byte, codeLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate referral code: %w", err)
		}
		buf[i] = codeAlphabet[n.Int64()]
	}
	return string(buf), nil
}

// CodeFor returns the stable shareable code of email, creating it on first
// use. refcode:{code} is written before refcode-owner:{email} so an owner
// entry never points at an unresolvable code.
func (e *Engine) CodeFor(ctx context.Context, email string) (code, url string, err error) {
	email = normalize(email)
	if !emailPattern.MatchString(email) {
		return "", "", ErrInvalidEmail
	}

	code, err = kvstore.GetString(ctx, e.store, codeOwnerKey(email))
	if err == nil && code != "" {
		return code, e.codeURL(code), nil
	}
	if err != nil && !errors.Is(err, kvstore.ErrNotFound) {
		return "", "", fmt.Errorf("read referral code: %w", err)
	}

	for attempt := 0; attempt < codeMaxAttempts; attempt++ {
		candidate, err := newCode()
		if err != nil {
			return "", "", err
		}
		written, err := e.reserveCode(ctx, candidate, email)
		if err != nil {
			return "", "", err
		}
		if !written {
			continue
		}
		if err := kvstore.PutString(ctx, e.store, codeOwnerKey(email), candidate, 0); err != nil {
			return "", "", fmt.Errorf("write referral code owner: %w", err)
		}
		return candidate, e.codeURL(candidate), nil
	}
	return "", "", fmt.Errorf("failed to generate unique referral code")
}

func (e *Engine) reserveCode(ctx context.Context, code, email string) (bool, error) {
	if c, ok := kvstore.AsConditional(e.store); ok {
		return c.PutIfAbsent(ctx, codeKey(code), []byte(email), 0)
	}
	_, err := e.store.Get(ctx, codeKey(code))
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, kvstore.ErrNotFound) {
		return false, fmt.Errorf("check referral code: %w", err)
	}
	if err := kvstore.PutString(ctx, e.store, codeKey(code), email, 0); err != nil {
		return false, fmt.Errorf("write referral code: %w", err)
	}
	return true, nil
}

func (e *Engine) codeURL(code string) string {
	return strings.TrimRight(e.PublicURL, "/") + "/r/" + code
}

// ResolveCode returns the referrer that owns code
func (e *Engine) ResolveCode(ctx context.Context, code string) (string, error) {
	code = strings.ToLower(strings.TrimSpace(code))
	if code == "" {
		return "", ErrUnknownCode
	}
	email, err := kvstore.GetString(ctx, e.store, codeKey(code))
	if errors.Is(err, kvstore.ErrNotFound) {
		return "", ErrUnknownCode
	}
	return email, err
}

// Claim attaches referred to the owner of code and activates the referral.
// Being already invited by the same referrer is not an error.
func (e *Engine) Claim(ctx context.Context, code, referred string) (Activation, error) {
	if code != "" {
		referrer, err := e.ResolveCode(ctx, code)
		if err != nil {
			return Activation{}, err
		}
		err = e.Invite(ctx, referrer, referred)
		if err != nil && !errors.Is(err, ErrAlreadyInvited) {
			current, lerr := e.ReferrerOf(ctx, referred)
			if lerr != nil || current != normalize(referrer) {
				return Activation{}, err
			}
		}
	}
	return e.Activate(ctx, referred)
}
