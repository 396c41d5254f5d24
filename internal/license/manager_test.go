package license

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patapim-server/internal/apperr"
	"patapim-server/internal/kvstore"
)

var testNow = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func newTestManager(t *testing.T) (*Manager, *kvstore.MemoryStore) {
	t.Helper()
	store := kvstore.NewMemoryStore()
	m := NewManager(store, zerolog.Nop())
	m.Clock = func() time.Time { return testNow }
	return m, store
}

func TestUpsertFromCheckoutWritesRecordAndIndices(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t)

	lic, err := m.UpsertFromCheckout(ctx, CheckoutInput{
		Email:          "Buyer@Example.com",
		CustomerID:     "cus_1",
		SubscriptionID: "sub_1",
		Plan:           PlanPro,
	})
	require.NoError(t, err)
	assert.Equal(t, "buyer@example.com", lic.Email)
	assert.Equal(t, StatusTrialing, lic.Status)
	assert.True(t, ValidKeyFormat(lic.LicenseKey))

	for _, k := range []string{"key:" + lic.LicenseKey, "customer:cus_1", "subscription:sub_1"} {
		email, err := kvstore.GetString(ctx, store, k)
		require.NoError(t, err, k)
		assert.Equal(t, "buyer@example.com", email)
	}

	byKey, err := m.Lookup(ctx, LookupBy{LicenseKey: lic.LicenseKey})
	require.NoError(t, err)
	assert.Equal(t, lic.LicenseKey, byKey.LicenseKey)

	byCustomer, err := m.Lookup(ctx, LookupBy{CustomerID: "cus_1"})
	require.NoError(t, err)
	assert.Equal(t, "buyer@example.com", byCustomer.Email)
}

func TestDuplicateCheckoutKeepsKey(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t)

	in := CheckoutInput{Email: "c@y.com", CustomerID: "cus_c", SubscriptionID: "sub_c", Plan: PlanPro}
	first, err := m.UpsertFromCheckout(ctx, in)
	require.NoError(t, err)

	m.Clock = func() time.Time { return testNow.Add(time.Hour) }
	second, err := m.UpsertFromCheckout(ctx, in)
	require.NoError(t, err)

	assert.Equal(t, first.LicenseKey, second.LicenseKey)
	assert.True(t, first.CreatedAt.Equal(second.CreatedAt))

	licenses, err := kvstore.ListAll(ctx, store, "license:")
	require.NoError(t, err)
	assert.Equal(t, []string{"license:c@y.com"}, licenses)
	keys, err := kvstore.ListAll(ctx, store, "key:")
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestRedeliveredCheckoutKeepsBillingState(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	in := CheckoutInput{Email: "late@x.com", CustomerID: "cus_l", SubscriptionID: "sub_l", Plan: PlanPro}
	_, err := m.UpsertFromCheckout(ctx, in)
	require.NoError(t, err)
	end := testNow.Add(30 * 24 * time.Hour)
	_, _, err = m.ApplyStatusTransition(ctx, Ref{SubscriptionID: "sub_l"}, "active", &end)
	require.NoError(t, err)

	again, err := m.UpsertFromCheckout(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, again.Status)
	require.NotNil(t, again.ExpiresAt)
	assert.True(t, again.ExpiresAt.Equal(end))

	// a new subscription starts over
	renewed, err := m.UpsertFromCheckout(ctx, CheckoutInput{Email: "late@x.com", CustomerID: "cus_l", SubscriptionID: "sub_l2", Plan: PlanPro})
	require.NoError(t, err)
	assert.Equal(t, StatusTrialing, renewed.Status)
	assert.Nil(t, renewed.ExpiresAt)
}

func TestCheckoutNeverDowngradesLifetime(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	granted, err := m.GrantLifetime(ctx, "life@x.com", CustomerReferral)
	require.NoError(t, err)

	lic, err := m.UpsertFromCheckout(ctx, CheckoutInput{Email: "life@x.com", CustomerID: "cus_p", SubscriptionID: "sub_p", Plan: PlanPro})
	require.NoError(t, err)
	assert.Equal(t, PlanLifetime, lic.Plan)
	assert.Equal(t, StatusActive, lic.Status)
	assert.Equal(t, granted.LicenseKey, lic.LicenseKey)

	stored, err := m.Lookup(ctx, LookupBy{Email: "life@x.com"})
	require.NoError(t, err)
	assert.Equal(t, PlanLifetime, stored.Plan)
	assert.Equal(t, StatusActive, stored.Status)

	_, changed, err := m.ApplyStatusTransition(ctx, Ref{SubscriptionID: "sub_p"}, "canceled", nil)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestUpsertRequiresEmail(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.UpsertFromCheckout(context.Background(), CheckoutInput{CustomerID: "cus_x"})
	assert.True(t, apperr.IsValidation(err))
}

func TestApplyStatusTransition(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	_, err := m.UpsertFromCheckout(ctx, CheckoutInput{Email: "s@x.com", CustomerID: "cus_s", SubscriptionID: "sub_s", Plan: PlanPro})
	require.NoError(t, err)

	end := testNow.Add(30 * 24 * time.Hour)
	lic, changed, err := m.ApplyStatusTransition(ctx, Ref{SubscriptionID: "sub_s", CustomerID: "cus_s"}, "active", &end)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StatusActive, lic.Status)
	require.NotNil(t, lic.ExpiresAt)
	assert.True(t, lic.ExpiresAt.Equal(end))

	_, changed, err = m.ApplyStatusTransition(ctx, Ref{SubscriptionID: "sub_s"}, "active", &end)
	require.NoError(t, err)
	assert.False(t, changed, "same status and expiry is not rewritten")

	lic, changed, err = m.ApplyStatusTransition(ctx, Ref{CustomerID: "cus_s"}, "payment_failed", nil)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StatusPaymentFailed, lic.Status)
	assert.True(t, lic.ExpiresAt.Equal(end), "expiry kept when the event has none")

	stored, err := m.Lookup(ctx, LookupBy{Email: "s@x.com"})
	require.NoError(t, err)
	assert.Equal(t, PlanPro, stored.Plan)
	assert.Equal(t, "cus_s", stored.StripeCustomerID)
	assert.Equal(t, StatusPaymentFailed, stored.Status)
}

func TestApplyStatusTransitionWithoutIndexIsNoOp(t *testing.T) {
	m, _ := newTestManager(t)
	lic, changed, err := m.ApplyStatusTransition(context.Background(), Ref{CustomerID: "cus_unknown"}, "canceled", nil)
	require.NoError(t, err)
	assert.Nil(t, lic)
	assert.False(t, changed)
}

func TestApplyStatusTransitionDanglingIndexIsNoOp(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t)
	require.NoError(t, kvstore.PutString(ctx, store, "customer:cus_d", "ghost@x.com", 0))

	lic, changed, err := m.ApplyStatusTransition(ctx, Ref{CustomerID: "cus_d"}, "canceled", nil)
	require.NoError(t, err)
	assert.Nil(t, lic)
	assert.False(t, changed)

	_, err = store.Get(ctx, "license:ghost@x.com")
	assert.ErrorIs(t, err, kvstore.ErrNotFound)
}

func TestOldSubscriptionDoesNotTouchNewOne(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	_, err := m.UpsertFromCheckout(ctx, CheckoutInput{Email: "r@x.com", CustomerID: "cus_r", SubscriptionID: "sub_old"})
	require.NoError(t, err)
	_, err = m.UpsertFromCheckout(ctx, CheckoutInput{Email: "r@x.com", CustomerID: "cus_r", SubscriptionID: "sub_new"})
	require.NoError(t, err)

	lic, changed, err := m.ApplyStatusTransition(ctx, Ref{SubscriptionID: "sub_old"}, "expired", nil)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Nil(t, lic)

	stored, err := m.Lookup(ctx, LookupBy{Email: "r@x.com"})
	require.NoError(t, err)
	assert.Equal(t, StatusTrialing, stored.Status)
}

func TestLookupDanglingKeyIndex(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t)
	require.NoError(t, kvstore.PutString(ctx, store, "key:PTPM-AAAA-BBBB-CCCC", "nobody@x.com", 0))

	_, err := m.Lookup(ctx, LookupBy{LicenseKey: "PTPM-AAAA-BBBB-CCCC"})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = m.Lookup(ctx, LookupBy{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVerify(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	lic, err := m.UpsertFromCheckout(ctx, CheckoutInput{Email: "v@x.com", CustomerID: "cus_v", Plan: PlanLifetime})
	require.NoError(t, err)

	v, err := m.Verify(ctx, "V@x.com", lic.LicenseKey)
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.Equal(t, PlanLifetime, v.Plan)

	v, err = m.Verify(ctx, "other@x.com", lic.LicenseKey)
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.Equal(t, "email_mismatch", v.Code)

	v, err = m.Verify(ctx, "v@x.com", "PTPM-ZZZZ-ZZZZ-ZZZZ")
	require.NoError(t, err)
	assert.Equal(t, "invalid_key", v.Code)

	_, err = m.SetPlan(ctx, "v@x.com", "free")
	require.NoError(t, err)
	v, err = m.Verify(ctx, "v@x.com", lic.LicenseKey)
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.Equal(t, "inactive", v.Code)
	assert.Equal(t, "License status: expired", v.Reason)

	_, err = m.Verify(ctx, "", "")
	assert.True(t, apperr.IsValidation(err))
}

func TestGrantLifetime(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	lic, err := m.GrantLifetime(ctx, "ref@x.com", "")
	require.NoError(t, err)
	assert.Equal(t, PlanLifetime, lic.Plan)
	assert.Equal(t, StatusActive, lic.Status)
	assert.Equal(t, CustomerReferral, lic.StripeCustomerID)

	again, err := m.GrantLifetime(ctx, "ref@x.com", "")
	require.NoError(t, err)
	assert.Equal(t, lic.LicenseKey, again.LicenseKey)

	byKey, err := m.Lookup(ctx, LookupBy{LicenseKey: lic.LicenseKey})
	require.NoError(t, err)
	assert.Equal(t, "ref@x.com", byKey.Email)
}

func TestGrantLifetimeUpgradesInPlace(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	pro, err := m.UpsertFromCheckout(ctx, CheckoutInput{Email: "u@x.com", CustomerID: "cus_u", SubscriptionID: "sub_u"})
	require.NoError(t, err)

	lic, err := m.GrantLifetime(ctx, "u@x.com", CustomerReferral)
	require.NoError(t, err)
	assert.Equal(t, pro.LicenseKey, lic.LicenseKey)
	assert.Equal(t, PlanLifetime, lic.Plan)
	assert.Nil(t, lic.StripeSubscriptionID)

	// a later cancellation of the old subscription leaves the lifetime license alone
	_, changed, err := m.ApplyStatusTransition(ctx, Ref{CustomerID: "cus_u"}, "canceled", nil)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestSetPlan(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	lic, err := m.SetPlan(ctx, "a@x.com", "free")
	require.NoError(t, err)
	assert.Nil(t, lic)

	lic, err = m.SetPlan(ctx, "a@x.com", "pro")
	require.NoError(t, err)
	assert.Equal(t, CustomerAdminGrant, lic.StripeCustomerID)
	assert.Equal(t, StatusActive, lic.Status)

	up, err := m.SetPlan(ctx, "a@x.com", "lifetime")
	require.NoError(t, err)
	assert.Equal(t, lic.LicenseKey, up.LicenseKey)

	_, err = m.SetPlan(ctx, "a@x.com", "gold")
	assert.ErrorIs(t, err, ErrInvalidPlan)
}

func TestListSkipsUnreadable(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t)
	for i := 0; i < 3; i++ {
		_, err := m.UpsertFromCheckout(ctx, CheckoutInput{Email: fmt.Sprintf("l%d@x.com", i), CustomerID: fmt.Sprintf("cus_%d", i)})
		require.NoError(t, err)
	}
	require.NoError(t, store.Put(ctx, "license:broken@x.com", []byte("{"), 0))

	all, err := m.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestTrialExtension(t *testing.T) {
	ctx := context.Background()
	licenses := kvstore.NewMemoryStore()
	feedback := kvstore.NewMemoryStore()
	trials := NewTrials(licenses, feedback, zerolog.Nop())
	trials.Clock = func() time.Time { return testNow }

	fb := TrialFeedback{
		FeaturesUsed:    []string{"remote-access", "file-editor"},
		Improvements:    "Remote access sometimes drops after sleep; reconnecting should be automatic.",
		MissingFeatures: "Please add per-project environment variables and a way to share sessions.",
		RecommendScore:  9,
	}

	rec, err := trials.ExtendTrial(ctx, "T@x.com", "machine-1", "203.0.113.9", fb)
	require.NoError(t, err)
	assert.True(t, rec.TrialEnd.Equal(testNow.AddDate(0, 0, TrialExtensionDays)))

	byMachine, err := trials.Trial(ctx, "machine-1")
	require.NoError(t, err)
	assert.Equal(t, "t@x.com", byMachine.Email)
	_, err = trials.Trial(ctx, "t@X.com")
	require.NoError(t, err)

	_, err = trials.ExtendTrial(ctx, "t@x.com", "machine-2", "", fb)
	assert.ErrorIs(t, err, ErrTrialAlreadyExtended)
	assert.True(t, apperr.IsIntegrity(err))

	_, err = trials.ExtendTrial(ctx, "other@x.com", "machine-1", "", fb)
	assert.Equal(t, ErrMachineAlreadyExtended.Message, apperr.MessageOf(err))

	keys, err := kvstore.ListAll(ctx, feedback, "feedback:")
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}
