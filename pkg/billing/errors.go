package billing

import "errors"

var (
	ErrInvalidPlanConfig = errors.New("billing: invalid plan configuration")
	ErrPlanNotFound      = errors.New("billing: plan not found")

	ErrUserNotFound = errors.New("billing: user not found")
	ErrEmailTaken   = errors.New("billing: email already registered")
	ErrInvalidEmail = errors.New("billing: invalid email address")

	ErrSubscriptionNotFound = errors.New("billing: subscription not found")
	ErrSubscriptionExists   = errors.New("billing: subscription already exists")
	ErrInvalidSubscription  = errors.New("billing: invalid subscription record")

	// ErrNoChange signals that a transition callback decided not to mutate
	// the record. Stores treat it as a successful no-op; it never reaches
	// callers of the service API.
	ErrNoChange = errors.New("billing: no state change")

	// Gateway error taxonomy. ErrGatewayUnavailable is transient and may be
	// retried with backoff; ErrGatewayRejected is permanent and must not be
	// retried - the service expresses it as a state transition instead.
	ErrGatewayUnavailable = errors.New("billing: payment gateway unavailable")
	ErrGatewayRejected    = errors.New("billing: payment gateway rejected the request")

	// ErrInvalidSignature means the webhook payload failed authenticity
	// verification. Rejected at the HTTP boundary with 400; no state touched.
	ErrInvalidSignature = errors.New("billing: webhook signature verification failed")

	ErrInvalidWebhookPayload = errors.New("billing: malformed webhook payload")
)
