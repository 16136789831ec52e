package payments

import (
	"context"
	"errors"
	"time"

	"github.com/finbridge/ledgerlink/pkg/audit"
	"github.com/finbridge/ledgerlink/pkg/gateway"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var ErrSignatureInvalid = errors.New("webhook signature verification failed")

// Settler performs the ledger-side effect of a completed top-up. Its error
// is a reconciliation gap: it propagates to the caller but never reverts
// the already-applied status transition.
type Settler interface {
	SettleTopUp(ctx context.Context, tx *Transaction) error
}

type Service struct {
	store    Store
	registry *gateway.Registry
	settler  Settler
	audit    audit.Recorder
	now      func() time.Time
}

func NewService(store Store, registry *gateway.Registry, settler Settler, rec audit.Recorder) *Service {
	if rec == nil {
		rec = audit.Nop()
	}
	return &Service{store: store, registry: registry, settler: settler, audit: rec, now: time.Now}
}

// CreateTopUp opens a payment at the gateway and records it as pending.
// Validation failures are synchronous and never reach the provider.
func (s *Service) CreateTopUp(ctx context.Context, identityID string, amount decimal.Decimal, currency, method, returnURL, notifyURL string) (*Transaction, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	provider, err := s.registry.ForMethod(method)
	if err != nil {
		return nil, err
	}
	res, err := provider.CreatePayment(ctx, gateway.CreateRequest{
		Amount:      amount,
		Currency:    currency,
		IdentityID:  identityID,
		ServiceType: ServiceTopUp,
		ReturnURL:   returnURL,
		NotifyURL:   notifyURL,
	})
	if err != nil {
		return nil, err
	}

	nowUTC := s.now().UTC()
	tx := &Transaction{
		ID:              uuid.NewString(),
		TransactionID:   res.PaymentID,
		ReferenceID:     res.ReferenceID,
		IdentityID:      identityID,
		Amount:          amount,
		Currency:        currency,
		Status:          gateway.StatusPending,
		Method:          method,
		ServiceType:     ServiceTopUp,
		GatewayURL:      res.GatewayURL,
		ReturnURL:       returnURL,
		NotifyURL:       notifyURL,
		ProviderDetails: res.Details,
		Metadata:        map[string]any{},
		CreatedAt:       nowUTC,
		UpdatedAt:       nowUTC,
	}
	if err := s.store.CreateTransaction(ctx, tx); err != nil {
		return nil, err
	}
	_ = s.audit.Record(ctx, audit.Stamp(ctx, audit.Record{
		Actor: identityID, Action: "payment.create", Entity: "payment", EntityID: tx.ID,
		After: map[string]any{"reference": tx.ReferenceID, "amount": amount.String(), "method": method},
		At:    nowUTC,
	}))
	return tx, nil
}

// Status returns the caller's view of a payment. While the record is still
// pending the provider is polled, and a disagreement drives a transition.
// An ownership mismatch is indistinguishable from absence.
func (s *Service) Status(ctx context.Context, identityID, reference string) (*Transaction, error) {
	tx, err := s.owned(ctx, identityID, reference)
	if err != nil {
		return nil, err
	}
	if tx.Status != gateway.StatusPending {
		return tx, nil
	}
	provider, err := s.registry.ForMethod(tx.Method)
	if err != nil {
		return nil, err
	}
	remote, err := provider.PaymentStatus(ctx, tx.TransactionID)
	if err != nil {
		// The cached pending status stands; polling is best effort.
		return tx, nil
	}
	if remote != tx.Status && (remote == gateway.StatusCompleted || remote == gateway.StatusFailed) {
		if err := s.applyTransition(ctx, tx, remote, ""); err != nil {
			return tx, err
		}
	}
	return tx, nil
}

// Cancel is only legal while the payment is pending.
func (s *Service) Cancel(ctx context.Context, identityID, reference string) error {
	tx, err := s.owned(ctx, identityID, reference)
	if err != nil {
		return err
	}
	if err := CanTransition(tx.Status, gateway.StatusCancelled); err != nil {
		return err
	}
	provider, err := s.registry.ForMethod(tx.Method)
	if err != nil {
		return err
	}
	if err := provider.CancelPayment(ctx, tx.TransactionID); err != nil {
		return err
	}
	return s.applyTransition(ctx, tx, gateway.StatusCancelled, "cancelled by owner")
}

// Refund is only legal after completion.
func (s *Service) Refund(ctx context.Context, identityID, reference string) error {
	tx, err := s.owned(ctx, identityID, reference)
	if err != nil {
		return err
	}
	if err := CanTransition(tx.Status, gateway.StatusRefunded); err != nil {
		return err
	}
	provider, err := s.registry.ForMethod(tx.Method)
	if err != nil {
		return err
	}
	if err := provider.RefundPayment(ctx, tx.TransactionID, tx.Amount); err != nil {
		return err
	}
	return s.applyTransition(ctx, tx, gateway.StatusRefunded, "")
}

// HandleWebhook processes one provider notification. An unverifiable
// signature rejects the webhook before any payload inspection; an
// intermediate status is acknowledged without touching the record.
func (s *Service) HandleWebhook(ctx context.Context, providerName string, rawBody []byte, signature string) error {
	provider, err := s.registry.ByName(providerName)
	if err != nil {
		return err
	}
	if !provider.VerifyWebhookSignature(rawBody, signature) {
		return ErrSignatureInvalid
	}
	n, err := provider.ProcessWebhookNotification(rawBody)
	if err != nil {
		return err
	}
	if !n.ShouldUpdate {
		return nil
	}
	tx, err := s.store.GetByTransactionID(ctx, n.PaymentID)
	if err != nil {
		return err
	}
	if tx == nil {
		return ErrNotFound
	}
	failure := ""
	if n.Status == gateway.StatusFailed {
		failure = "reported failed by provider"
	}
	return s.applyTransition(ctx, tx, n.Status, failure)
}

func (s *Service) owned(ctx context.Context, identityID, reference string) (*Transaction, error) {
	tx, err := s.store.GetByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if tx == nil || tx.IdentityID != identityID {
		return nil, ErrNotFound
	}
	return tx, nil
}

// applyTransition commits the state change with a compare-and-swap and, on
// the first entry into completed for a top-up, hands the transaction to the
// settlement orchestrator exactly once.
func (s *Service) applyTransition(ctx context.Context, tx *Transaction, to gateway.Status, failureReason string) error {
	if tx.Status == to {
		return nil
	}
	if err := CanTransition(tx.Status, to); err != nil {
		return err
	}
	from := tx.Status
	swapped, err := s.store.TransitionStatus(ctx, tx.ID, from, to, failureReason)
	if err != nil {
		return err
	}
	if !swapped {
		// A racing writer already moved the record; the stored state wins.
		return nil
	}
	tx.Status = to
	if failureReason != "" {
		tx.FailureReason = failureReason
	}
	_ = s.audit.Record(ctx, audit.Stamp(ctx, audit.Record{
		Actor: audit.ActorSystem, Action: "payment.transition", Entity: "payment", EntityID: tx.ID,
		Before: map[string]any{"status": string(from)},
		After:  map[string]any{"status": string(to)},
		At:     s.now().UTC(),
	}))

	if to != gateway.StatusCompleted || tx.ServiceType != ServiceTopUp || s.settler == nil {
		return nil
	}
	marked, err := s.store.MarkSettlementAttempted(ctx, tx.ID)
	if err != nil {
		return err
	}
	if !marked {
		return nil
	}
	return s.settler.SettleTopUp(ctx, tx)
}
