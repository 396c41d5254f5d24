// Package billing ingests payment-provider webhooks and folds them into
// license records. Signatures are verified before the body is parsed; every
// handled event maps onto one license manager operation, and unknown event
// types are acknowledged without effect.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"patapim-server/internal/apperr"
	"patapim-server/internal/events"
	"patapim-server/internal/license"
	"patapim-server/internal/logging"
	"patapim-server/internal/metrics"
	"patapim-server/internal/referral"
	"patapim-server/internal/users"
)

var tracer = otel.Tracer("patapim-server/internal/billing")

const (
	webhookBodyLimit = 1024 * 1024 // 1 MiB

	// DefaultTolerance is the accepted age of a signed timestamp
	DefaultTolerance = 5 * time.Minute
)

var (
	ErrMissingSignature = apperr.Unauthorized("MISSING_SIGNATURE", "Missing signature")
	ErrInvalidSignature = apperr.Unauthorized("INVALID_SIGNATURE", "Webhook signature verification failed")
	ErrNotConfigured    = apperr.Upstream("WEBHOOK_NOT_CONFIGURED", "webhook secret not configured", nil)
	ErrMissingEmail     = apperr.Validation("CHECKOUT_EMAIL_MISSING", "checkout session carries no customer email")
)

// Licenses is the license manager surface webhooks drive
type Licenses interface {
	UpsertFromCheckout(ctx context.Context, in license.CheckoutInput) (*license.License, error)
	ApplyStatusTransition(ctx context.Context, ref license.Ref, providerStatus string, periodEnd *time.Time) (*license.License, bool, error)
}

// Users mirrors a purchase onto the buyer's account
type Users interface {
	GetByEmail(ctx context.Context, email string) (*users.User, error)
	LinkLicense(ctx context.Context, googleID, plan, licenseKey, customerID string) (*users.User, error)
}

// Referrals credits a referrer named at checkout
type Referrals interface {
	Invite(ctx context.Context, referrer, referred string) error
	Activate(ctx context.Context, referred string) (referral.Activation, error)
}

// WebhookHandler verifies and applies billing webhooks
type WebhookHandler struct {
	secret    string
	tolerance time.Duration
	licenses  Licenses
	users     Users
	referrals Referrals
	events    events.Publisher
	logger    zerolog.Logger
}

// NewWebhookHandler creates a handler. users and referrals may be nil.
func NewWebhookHandler(secret string, tolerance time.Duration, licenses Licenses, u Users, referrals Referrals, publisher events.Publisher, logger zerolog.Logger) *WebhookHandler {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &WebhookHandler{
		secret:    secret,
		tolerance: tolerance,
		licenses:  licenses,
		users:     u,
		referrals: referrals,
		events:    publisher,
		logger:    logger.With().Str("component", "BillingWebhook").Logger(),
	}
}

// IsConfigured reports whether a signing secret is set
func (h *WebhookHandler) IsConfigured() bool {
	return strings.TrimSpace(h.secret) != ""
}

// Handle verifies payload against sigHeader and applies the event
func (h *WebhookHandler) Handle(ctx context.Context, payload []byte, sigHeader string) (Result, error) {
	if !h.IsConfigured() {
		return Result{}, ErrNotConfigured
	}
	if strings.TrimSpace(sigHeader) == "" {
		return Result{}, ErrMissingSignature
	}

	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, h.secret, webhook.ConstructEventOptions{
		Tolerance:                h.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		h.logger.Warn().Err(err).Msg("Rejected webhook with invalid signature")
		return Result{}, ErrInvalidSignature.Wrap(err)
	}

	ctx, span := tracer.Start(ctx, "billing.Webhook")
	defer span.End()
	span.SetAttributes(attribute.String("billing.event_type", string(event.Type)), attribute.String("billing.event_id", event.ID))

	res, err := h.dispatch(ctx, &event)
	res.EventID, res.EventType = event.ID, string(event.Type)
	return res, err
}

func (h *WebhookHandler) dispatch(ctx context.Context, event *stripelib.Event) (Result, error) {
	if event.Data == nil {
		return Result{}, apperr.Validation("EVENT_DATA_MISSING", "event has no data object")
	}

	switch string(event.Type) {
	case EventCheckoutCompleted:
		var session CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return Result{}, apperr.Validation("EVENT_DECODE", "decode checkout session").Wrap(err)
		}
		return h.handleCheckout(ctx, &session)

	case EventSubscriptionCreated, EventSubscriptionUpdated:
		var sub Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return Result{}, apperr.Validation("EVENT_DECODE", "decode subscription").Wrap(err)
		}
		return h.transition(ctx, license.Ref{SubscriptionID: sub.ID, CustomerID: sub.Customer}, sub.Status, sub.PeriodEnd(), string(event.Type))

	case EventSubscriptionDeleted:
		var sub Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return Result{}, apperr.Validation("EVENT_DECODE", "decode subscription").Wrap(err)
		}
		return h.transition(ctx, license.Ref{SubscriptionID: sub.ID, CustomerID: sub.Customer}, string(license.StatusExpired), sub.PeriodEnd(), string(event.Type))

	case EventInvoicePaymentFail, EventInvoicePaid:
		var inv Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return Result{}, apperr.Validation("EVENT_DECODE", "decode invoice").Wrap(err)
		}
		status := string(license.StatusActive)
		if string(event.Type) == EventInvoicePaymentFail {
			status = string(license.StatusPaymentFailed)
		}
		return h.transition(ctx, license.Ref{SubscriptionID: inv.SubscriptionID(), CustomerID: inv.Customer}, status, nil, string(event.Type))

	default:
		h.logger.Debug().Str("type", string(event.Type)).Str("event_id", event.ID).Msg("Webhook ignored (unhandled type)")
		return Result{}, nil
	}
}

func (h *WebhookHandler) handleCheckout(ctx context.Context, session *CheckoutSession) (Result, error) {
	email := license.NormalizeEmail(session.Email())
	if email == "" {
		return Result{}, ErrMissingEmail
	}

	lic, err := h.licenses.UpsertFromCheckout(ctx, license.CheckoutInput{
		Email:          email,
		CustomerID:     session.Customer,
		SubscriptionID: session.Subscription,
		Plan:           license.Plan(session.Metadata["plan"]),
	})
	if err != nil {
		return Result{}, err
	}

	h.linkUser(ctx, lic, session.Metadata["googleId"])

	if referrer := strings.TrimSpace(session.Metadata["referrerEmail"]); referrer != "" {
		h.creditReferrer(ctx, referrer, email)
	}

	h.publish(lic, "checkout")
	return Result{Handled: true, Email: email, Changed: true}, nil
}

// linkUser mirrors the license onto the buyer's account. It is best effort;
// the license is already authoritative.
func (h *WebhookHandler) linkUser(ctx context.Context, lic *license.License, googleID string) {
	if h.users == nil {
		return
	}
	if googleID == "" {
		u, err := h.users.GetByEmail(ctx, lic.Email)
		if err != nil {
			if !errors.Is(err, users.ErrNotFound) {
				h.logger.Warn().Err(err).Str("email", lic.Email).Msg("User lookup failed while linking license")
			}
			return
		}
		googleID = u.GoogleID
	}
	if _, err := h.users.LinkLicense(ctx, googleID, string(lic.Plan), lic.LicenseKey, lic.StripeCustomerID); err != nil && !errors.Is(err, users.ErrNotFound) {
		h.logger.Warn().Err(err).Str("google_id", googleID).Msg("Failed to link license to user")
	}
}

// creditReferrer records and activates a referral named at checkout. An
// existing invitation is fine; activation still runs.
func (h *WebhookHandler) creditReferrer(ctx context.Context, referrer, buyer string) {
	if h.referrals == nil {
		return
	}
	if err := h.referrals.Invite(ctx, referrer, buyer); err != nil && !apperr.IsIntegrity(err) {
		h.logger.Warn().Err(err).Str("referrer", referrer).Msg("Checkout referral invite failed")
		return
	}
	act, err := h.referrals.Activate(ctx, buyer)
	if err != nil {
		h.logger.Warn().Err(err).Str("referrer", referrer).Msg("Checkout referral activation failed")
		return
	}
	h.logger.Info().Str("referrer", referrer).Bool("activated", act.Activated).Str("reason", act.Reason).Msg("Checkout referral processed")
}

func (h *WebhookHandler) transition(ctx context.Context, ref license.Ref, status string, periodEnd *time.Time, cause string) (Result, error) {
	lic, changed, err := h.licenses.ApplyStatusTransition(ctx, ref, status, periodEnd)
	if err != nil {
		return Result{}, err
	}
	if lic == nil {
		h.logger.Info().Str("subscription", ref.SubscriptionID).Str("customer", ref.CustomerID).Str("cause", cause).Msg("No license for billing reference")
		return Result{Handled: true}, nil
	}
	if changed {
		h.publish(lic, cause)
	}
	return Result{Handled: true, Email: lic.Email, Changed: changed}, nil
}

func (h *WebhookHandler) publish(lic *license.License, cause string) {
	l := logging.LicenseContext(h.logger, lic.Email, lic.LicenseKey)
	l.Info().Str("status", string(lic.Status)).Str("cause", cause).Msg("License updated from billing event")
	h.events.Publish(events.Event{
		Type:  events.EventLicenseUpdated,
		Owner: lic.Email,
		Data: map[string]interface{}{
			"email":  lic.Email,
			"plan":   string(lic.Plan),
			"status": string(lic.Status),
			"cause":  cause,
		},
	})
}

type webhookErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type webhookReceivedResponse struct {
	Received bool `json:"received"`
}

// ServeHTTP reads at most 1 MiB, verifies and applies the delivery.
// Signature failures answer 401, malformed events 400 and store failures 500
// so the provider retries them.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	outcome := "ok"
	defer func() {
		metrics.WebhookRequestsTotal.WithLabelValues(eventType, outcome).Inc()
		metrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		outcome = "method_not_allowed"
		writeJSON(w, http.StatusMethodNotAllowed, webhookErrorResponse{Error: "METHOD_NOT_ALLOWED", Message: "method not allowed"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		outcome = "bad_body"
		writeJSON(w, http.StatusBadRequest, webhookErrorResponse{Error: "BAD_BODY", Message: "failed to read request body"})
		return
	}

	res, err := h.Handle(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	if res.EventType != "" {
		eventType = res.EventType
	}
	if err != nil {
		status := apperr.HTTPStatus(err)
		outcome = strings.ToLower(apperr.KindOf(err).String())
		if status >= http.StatusInternalServerError {
			reqLog := logging.FromContext(r.Context())
			reqLog.Error().Err(err).Str("event_id", res.EventID).Str("type", eventType).Msg("Webhook processing failed")
		}
		writeJSON(w, status, webhookErrorResponse{Error: apperr.CodeOf(err), Message: apperr.MessageOf(err)})
		return
	}
	if !res.Handled {
		outcome = "ignored"
	}
	writeJSON(w, http.StatusOK, webhookReceivedResponse{Received: true})
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
