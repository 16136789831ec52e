package payments

import (
	"context"
	"errors"
	"time"

	"github.com/finbridge/ledgerlink/pkg/gateway"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound      = errors.New("payment not found")
	ErrInvalidAmount = errors.New("amount must be positive")
)

const ServiceTopUp = "balance_topup"

// Transaction is one payment record. TransactionID (gateway-side) and
// ReferenceID (internal) are unique and immutable after creation; the record
// is never physically deleted. Metadata is mutated only by the state machine
// and the settlement orchestrator's annotations.
type Transaction struct {
	ID                  string
	TransactionID       string
	ReferenceID         string
	IdentityID          string
	Amount              decimal.Decimal
	Currency            string
	Status              gateway.Status
	Method              string
	ServiceType         string
	GatewayURL          string
	ReturnURL           string
	NotifyURL           string
	ProviderDetails     map[string]any
	Metadata            map[string]any
	SettlementAttempted bool
	ProcessedAt         *time.Time
	FailureReason       string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Store persists transactions. Status transitions and the settlement marker
// are compare-and-swap operations so racing writers cannot double-apply.
type Store interface {
	CreateTransaction(ctx context.Context, tx *Transaction) error
	GetByReference(ctx context.Context, reference string) (*Transaction, error)
	GetByTransactionID(ctx context.Context, transactionID string) (*Transaction, error)

	// TransitionStatus applies from -> to only if the stored status still
	// equals from; it reports whether the swap happened.
	TransitionStatus(ctx context.Context, id string, from, to gateway.Status, failureReason string) (bool, error)

	// MarkSettlementAttempted flips the settlement marker exactly once per
	// payment; a replayed webhook observes false and becomes a no-op.
	MarkSettlementAttempted(ctx context.Context, id string) (bool, error)

	// MergeMetadata merges patch into the stored metadata map.
	MergeMetadata(ctx context.Context, id string, patch map[string]any) error
}
