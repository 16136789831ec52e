package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Status is the internal payment status vocabulary. Provider-native
// statuses are mapped into it; anything unrecognized maps to StatusFailed.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusRefunded  Status = "refunded"
)

// Terminal reports whether no further transition is permitted out of s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled || s == StatusRefunded
}

var ErrUnsupportedMethod = errors.New("unsupported payment method")

// CreateRequest carries everything a provider needs to open a payment.
type CreateRequest struct {
	Amount      decimal.Decimal
	Currency    string
	IdentityID  string
	ServiceType string
	ReturnURL   string
	NotifyURL   string
	Metadata    map[string]string
}

// CreateResult is what the caller needs to redirect the payer. Details is
// the provider's raw creation response, kept opaquely on the transaction
// record for later reconciliation.
type CreateResult struct {
	PaymentID   string
	ReferenceID string
	GatewayURL  string
	Details     map[string]any
}

// Notification is a parsed provider webhook. ShouldUpdate is true only for
// terminal statuses; intermediate notifications are acknowledged without a
// state transition.
type Notification struct {
	PaymentID    string
	Status       Status
	ShouldUpdate bool
	Raw          map[string]any
}

// Provider is the capability set every concrete payment provider offers.
type Provider interface {
	Name() string
	CreatePayment(ctx context.Context, req CreateRequest) (*CreateResult, error)
	PaymentStatus(ctx context.Context, paymentID string) (Status, error)
	RefundPayment(ctx context.Context, paymentID string, amount decimal.Decimal) error
	CancelPayment(ctx context.Context, paymentID string) error

	// VerifyWebhookSignature checks the asymmetric signature over the exact
	// raw bytes delivered. A missing public key or a bad signature returns
	// false; the caller must reject the webhook outright.
	VerifyWebhookSignature(rawBody []byte, signature string) bool
	ProcessWebhookNotification(rawBody []byte) (Notification, error)
}

// Registry statically maps a payment-method value to its provider. An
// unsupported method is a configuration error, never retried.
type Registry struct {
	byMethod map[string]Provider
	byName   map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{
		byMethod: make(map[string]Provider),
		byName:   make(map[string]Provider),
	}
}

func (r *Registry) Register(method string, p Provider) {
	r.byMethod[normalize(method)] = p
	r.byName[normalize(p.Name())] = p
}

func (r *Registry) ForMethod(method string) (Provider, error) {
	p, ok := r.byMethod[normalize(method)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMethod, method)
	}
	return p, nil
}

func (r *Registry) ByName(name string) (Provider, error) {
	p, ok := r.byName[normalize(name)]
	if !ok {
		return nil, fmt.Errorf("%w: provider %q", ErrUnsupportedMethod, name)
	}
	return p, nil
}

func normalize(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
