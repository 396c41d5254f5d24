package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"

	"patapim-server/internal/events"
	"patapim-server/internal/kvstore"
	"patapim-server/internal/license"
	"patapim-server/internal/referral"
	"patapim-server/internal/users"
)

const testSecret = "whsec_test_secret"

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type fixture struct {
	handler   *WebhookHandler
	store     *kvstore.MemoryStore
	licenses  *license.Manager
	users     *users.Store
	referrals *referral.Engine
	events    *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := kvstore.NewMemoryStore()
	f := &fixture{store: store, events: &recorder{}}
	f.licenses = license.NewManager(store, zerolog.Nop())
	f.users = users.NewStore(store, zerolog.Nop())
	f.referrals = referral.NewEngine(store, f.licenses, nil, zerolog.Nop())
	f.handler = NewWebhookHandler(testSecret, 0, f.licenses, f.users, f.referrals, f.events, zerolog.Nop())
	return f
}

func signedRequest(t *testing.T, payload string, ts time.Time) *http.Request {
	t.Helper()
	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    testSecret,
		Timestamp: ts,
		Scheme:    "v1",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/stripe/webhook", bytes.NewReader(signed.Payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func eventJSON(id, typ string, object map[string]interface{}) string {
	raw, _ := json.Marshal(map[string]interface{}{
		"id":     id,
		"object": "event",
		"type":   typ,
		"data":   map[string]interface{}{"object": object},
	})
	return string(raw)
}

func (f *fixture) deliver(t *testing.T, payload string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, signedRequest(t, payload, time.Now()))
	return rec
}

func checkout(email, customer, subscription string, metadata map[string]string) map[string]interface{} {
	obj := map[string]interface{}{
		"id":             "cs_" + customer,
		"object":         "checkout.session",
		"customer":       customer,
		"customer_email": email,
		"metadata":       metadata,
	}
	if subscription != "" {
		obj["subscription"] = subscription
	}
	return obj
}

func TestSignatureFailuresAreRejected(t *testing.T) {
	f := newFixture(t)
	payload := eventJSON("evt_1", EventCheckoutCompleted, checkout("a@x.com", "cus_1", "sub_1", nil))

	req := httptest.NewRequest(http.MethodPost, "/api/stripe/webhook", bytes.NewReader([]byte(payload)))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = signedRequest(t, payload, time.Now())
	req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, signedRequest(t, payload, time.Now().Add(-10*time.Minute)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "timestamp outside tolerance")

	_, err := f.licenses.Lookup(context.Background(), license.LookupBy{Email: "a@x.com"})
	assert.ErrorIs(t, err, license.ErrNotFound, "nothing is applied before verification")
}

func TestUnconfiguredSecret(t *testing.T) {
	f := newFixture(t)
	h := NewWebhookHandler("", 0, f.licenses, nil, nil, nil, zerolog.Nop())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, eventJSON("evt_1", "ping", map[string]interface{}{}), time.Now()))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestDuplicateCheckoutKeepsOneLicense(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, _, err := f.users.UpsertFromProfile(ctx, users.Profile{ID: "g-1", Email: "c@y.com", Name: "C"})
	require.NoError(t, err)

	payload := eventJSON("evt_1", EventCheckoutCompleted, checkout("C@y.com", "cus_1", "sub_1", map[string]string{"plan": "pro"}))
	rec := f.deliver(t, payload)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"received":true}`, rec.Body.String())

	first, err := f.licenses.Lookup(ctx, license.LookupBy{Email: "c@y.com"})
	require.NoError(t, err)
	assert.Equal(t, license.PlanPro, first.Plan)
	assert.Equal(t, license.StatusTrialing, first.Status)

	rec = f.deliver(t, payload)
	require.Equal(t, http.StatusOK, rec.Code)
	second, err := f.licenses.Lookup(ctx, license.LookupBy{Email: "c@y.com"})
	require.NoError(t, err)
	assert.Equal(t, first.LicenseKey, second.LicenseKey)

	keys, err := kvstore.ListAll(ctx, f.store, "license:")
	require.NoError(t, err)
	assert.Len(t, keys, 1)

	u, err := f.users.Get(ctx, "g-1")
	require.NoError(t, err)
	assert.Equal(t, first.LicenseKey, u.LicenseKey)
	assert.Equal(t, "pro", u.Plan)
	assert.Equal(t, "cus_1", u.StripeCustomerID)
	assert.Equal(t, 2, f.events.count())
}

func TestCheckoutFallsBackToCustomerDetails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	obj := checkout("", "cus_2", "", map[string]string{"plan": "lifetime"})
	obj["customer_details"] = map[string]string{"email": "d@y.com"}

	rec := f.deliver(t, eventJSON("evt_2", EventCheckoutCompleted, obj))
	require.Equal(t, http.StatusOK, rec.Code)

	lic, err := f.licenses.Lookup(ctx, license.LookupBy{CustomerID: "cus_2"})
	require.NoError(t, err)
	assert.Equal(t, "d@y.com", lic.Email)
	assert.Equal(t, license.PlanLifetime, lic.Plan)
	assert.Equal(t, license.StatusActive, lic.Status)
}

func TestCheckoutWithoutEmailIsBadRequest(t *testing.T) {
	f := newFixture(t)
	rec := f.deliver(t, eventJSON("evt_3", EventCheckoutCompleted, checkout("", "cus_3", "", nil)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubscriptionLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.Equal(t, http.StatusOK, f.deliver(t, eventJSON("evt_1", EventCheckoutCompleted, checkout("e@y.com", "cus_9", "sub_9", nil))).Code)

	end := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	update := eventJSON("evt_2", EventSubscriptionUpdated, map[string]interface{}{
		"id": "sub_9", "customer": "cus_9", "status": "unpaid", "current_period_end": end.Unix(),
	})
	_, err := f.handler.Handle(ctx, []byte(update), "")
	assert.ErrorIs(t, err, ErrMissingSignature)

	rec := f.deliver(t, update)
	require.Equal(t, http.StatusOK, rec.Code)
	lic, err := f.licenses.Lookup(ctx, license.LookupBy{Email: "e@y.com"})
	require.NoError(t, err)
	assert.Equal(t, license.StatusPastDue, lic.Status)
	require.NotNil(t, lic.ExpiresAt)
	assert.True(t, end.Equal(*lic.ExpiresAt))

	before := f.events.count()
	require.Equal(t, http.StatusOK, f.deliver(t, update).Code)
	assert.Equal(t, before, f.events.count(), "replayed transition publishes nothing")

	rec = f.deliver(t, eventJSON("evt_3", EventInvoicePaid, map[string]interface{}{"id": "in_1", "customer": "cus_9", "subscription": "sub_9"}))
	require.Equal(t, http.StatusOK, rec.Code)
	lic, _ = f.licenses.Lookup(ctx, license.LookupBy{Email: "e@y.com"})
	assert.Equal(t, license.StatusActive, lic.Status)

	rec = f.deliver(t, eventJSON("evt_4", EventInvoicePaymentFail, map[string]interface{}{
		"id": "in_2", "customer": "cus_9",
		"parent": map[string]interface{}{"subscription_details": map[string]string{"subscription": "sub_9"}},
	}))
	require.Equal(t, http.StatusOK, rec.Code)
	lic, _ = f.licenses.Lookup(ctx, license.LookupBy{Email: "e@y.com"})
	assert.Equal(t, license.StatusPaymentFailed, lic.Status)

	deletedEnd := end.AddDate(0, 1, 0)
	rec = f.deliver(t, eventJSON("evt_5", EventSubscriptionDeleted, map[string]interface{}{
		"id": "sub_9", "customer": "cus_9", "status": "canceled",
		"items": map[string]interface{}{"data": []map[string]interface{}{{"current_period_end": deletedEnd.Unix()}}},
	}))
	require.Equal(t, http.StatusOK, rec.Code)
	lic, _ = f.licenses.Lookup(ctx, license.LookupBy{Email: "e@y.com"})
	assert.Equal(t, license.StatusExpired, lic.Status)
	assert.True(t, deletedEnd.Equal(*lic.ExpiresAt))
}

func TestTransitionForUnknownSubscriptionIsAccepted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	payload := eventJSON("evt_1", EventSubscriptionUpdated, map[string]interface{}{"id": "sub_x", "customer": "cus_x", "status": "active"})

	req := signedRequest(t, payload, time.Now())
	body := new(bytes.Buffer)
	_, _ = body.ReadFrom(req.Body)
	res, err := f.handler.Handle(ctx, body.Bytes(), req.Header.Get("Stripe-Signature"))
	require.NoError(t, err)
	assert.True(t, res.Handled)
	assert.False(t, res.Changed)
	assert.Empty(t, res.Email)
	assert.Equal(t, "evt_1", res.EventID)
}

func TestUnknownEventTypeIsIgnored(t *testing.T) {
	f := newFixture(t)
	rec := f.deliver(t, eventJSON("evt_1", "customer.created", map[string]interface{}{"id": "cus_1"}))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, f.events.count())
}

func TestCheckoutCreditsReferrer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	payload := eventJSON("evt_1", EventCheckoutCompleted, checkout("buyer@y.com", "cus_5", "sub_5", map[string]string{"referrerEmail": "Ref@Y.com"}))
	require.Equal(t, http.StatusOK, f.deliver(t, payload).Code)

	summary, err := f.referrals.Status(ctx, "ref@y.com")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.TotalInvited)
	assert.Equal(t, 1, summary.ActivatedCount)

	// a second delivery finds the invitation already recorded and activated
	require.Equal(t, http.StatusOK, f.deliver(t, payload).Code)
	summary, err = f.referrals.Status(ctx, "ref@y.com")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.TotalInvited)
}

func TestBodyLimit(t *testing.T) {
	f := newFixture(t)
	big := fmt.Sprintf(`{"pad":%q}`, bytes.Repeat([]byte("a"), webhookBodyLimit+10))
	rec := f.deliver(t, big)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
