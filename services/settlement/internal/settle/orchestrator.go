package settle

import (
	"context"
	"fmt"
	"time"

	"github.com/finbridge/ledgerlink/pkg/audit"
	"github.com/finbridge/ledgerlink/pkg/ledger"
	"github.com/finbridge/ledgerlink/pkg/vault"
	"github.com/finbridge/ledgerlink/services/settlement/internal/identity"
	"github.com/finbridge/ledgerlink/services/settlement/internal/payments"
	"github.com/shopspring/decimal"
)

// LedgerAPI is the slice of the ledger client the orchestrator uses.
type LedgerAPI interface {
	Login(ctx context.Context, sys ledger.System, username, password string) (string, error)
	AccountInfo(ctx context.Context, sys ledger.System, token, username string) (*ledger.Account, error)
	Deposit(ctx context.Context, sys ledger.System, token string, accountID int64, amount decimal.Decimal, reference string) (*ledger.DepositResult, error)
}

// MetadataStore is the slice of the payment store the orchestrator mutates.
type MetadataStore interface {
	MergeMetadata(ctx context.Context, id string, patch map[string]any) error
}

// Orchestrator performs the ledger-side balance deposit after a payment
// completes. A failure here is a reconciliation gap: the gateway already
// took the payer's money, so the payment stays completed and the error is
// recorded on the record's metadata for operator follow-up.
type Orchestrator struct {
	dir      identity.Directory
	ids      identity.Store
	tokens   *identity.TokenCache
	ledger   LedgerAPI
	vault    *vault.Vault
	payments MetadataStore
	audit    audit.Recorder
	now      func() time.Time
}

func New(dir identity.Directory, ids identity.Store, tokens *identity.TokenCache, lg LedgerAPI, v *vault.Vault, pay MetadataStore, rec audit.Recorder) *Orchestrator {
	if rec == nil {
		rec = audit.Nop()
	}
	return &Orchestrator{dir: dir, ids: ids, tokens: tokens, ledger: lg, vault: v, payments: pay, audit: rec, now: time.Now}
}

// SettleTopUp credits the payment amount to the owner's remote account,
// logging in as the remote system's administrator. Administrator sessions
// are never cached. The deposit carries the payment's reference id so the
// remote side can deduplicate.
func (o *Orchestrator) SettleTopUp(ctx context.Context, tx *payments.Transaction) error {
	if err := o.settle(ctx, tx); err != nil {
		o.annotate(ctx, tx.ID, map[string]any{
			"topUpError":   err.Error(),
			"topUpErrorAt": o.now().UTC().Format(time.RFC3339),
		})
		_ = o.audit.Record(ctx, audit.Stamp(ctx, audit.Record{
			Actor: audit.ActorSystem, Action: "settlement.failed", Entity: "payment", EntityID: tx.ID,
			After: map[string]any{"error": err.Error(), "reference": tx.ReferenceID},
			At:    o.now().UTC(),
		}))
		return err
	}
	o.annotate(ctx, tx.ID, map[string]any{
		"topUpCompleted":   true,
		"topUpCompletedAt": o.now().UTC().Format(time.RFC3339),
	})
	_ = o.audit.Record(ctx, audit.Stamp(ctx, audit.Record{
		Actor: audit.ActorSystem, Action: "settlement.completed", Entity: "payment", EntityID: tx.ID,
		After: map[string]any{"amount": tx.Amount.String(), "reference": tx.ReferenceID},
		At:    o.now().UTC(),
	}))
	return nil
}

func (o *Orchestrator) settle(ctx context.Context, tx *payments.Transaction) error {
	id, err := o.dir.FindIdentityByID(ctx, tx.IdentityID)
	if err != nil {
		return fmt.Errorf("resolve identity: %w", err)
	}
	sys, err := o.dir.FindActiveRemoteSystem(ctx, id.RemoteSystemID)
	if err != nil {
		return fmt.Errorf("resolve remote system: %w", err)
	}
	lsys := sys.LedgerSystem()

	// The identity's own session is good enough to read its account; the
	// call also yields the numeric account id when we don't have it yet.
	ownToken, err := o.tokens.Token(ctx, id)
	if err != nil {
		return fmt.Errorf("identity token: %w", err)
	}
	accountID := id.RemoteAccountID
	acct, err := o.ledger.AccountInfo(ctx, lsys, ownToken, id.Username)
	if err != nil {
		return fmt.Errorf("account info: %w", err)
	}
	if accountID == 0 {
		accountID = acct.ID
		if err := o.ids.UpdateRemoteAccountID(ctx, id.ID, accountID); err != nil {
			return fmt.Errorf("cache account id: %w", err)
		}
		id.RemoteAccountID = accountID
	}

	adminSecret, err := o.vault.Decrypt(sys.AdminSecretEnc)
	if err != nil {
		return fmt.Errorf("administrator secret: %w", err)
	}
	adminToken, err := o.ledger.Login(ctx, lsys, sys.AdminUsername, adminSecret)
	if err != nil {
		return fmt.Errorf("administrator login: %w", err)
	}

	if _, err := o.ledger.Deposit(ctx, lsys, adminToken, accountID, tx.Amount, tx.ReferenceID); err != nil {
		return fmt.Errorf("deposit: %w", err)
	}
	return nil
}

// annotate is best effort; a metadata write failure must not mask the
// settlement outcome.
func (o *Orchestrator) annotate(ctx context.Context, paymentID string, patch map[string]any) {
	if err := o.payments.MergeMetadata(ctx, paymentID, patch); err != nil {
		_ = o.audit.Record(ctx, audit.Stamp(ctx, audit.Record{
			Actor: audit.ActorSystem, Action: "settlement.annotate_failed", Entity: "payment", EntityID: paymentID,
			After: map[string]any{"error": err.Error()},
			At:    o.now().UTC(),
		}))
	}
}
