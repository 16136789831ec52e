package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/finbridge/ledgerlink/pkg/audit"
	"github.com/finbridge/ledgerlink/pkg/gateway"
	"github.com/finbridge/ledgerlink/services/settlement/internal/identity"
	"github.com/finbridge/ledgerlink/services/settlement/internal/payments"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store backs the identity directory, the payment transaction table and the
// append-only audit log with one postgres pool.
type Store struct{ DB *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

func (s *Store) FindActiveIdentity(ctx context.Context, username string) (*identity.Identity, error) {
	return s.scanIdentity(s.DB.QueryRow(ctx, `
SELECT id::text, username, kind, remote_system_id, secret_enc, token_enc, token_expiry, remote_account_id, active
FROM identities
WHERE username=$1 AND active
`, username))
}

func (s *Store) FindIdentityByID(ctx context.Context, id string) (*identity.Identity, error) {
	return s.scanIdentity(s.DB.QueryRow(ctx, `
SELECT id::text, username, kind, remote_system_id, secret_enc, token_enc, token_expiry, remote_account_id, active
FROM identities
WHERE id=$1
`, id))
}

func (s *Store) scanIdentity(row pgx.Row) (*identity.Identity, error) {
	var out identity.Identity
	var expiry *time.Time
	err := row.Scan(&out.ID, &out.Username, &out.Kind, &out.RemoteSystemID, &out.SecretEnc, &out.TokenEnc, &expiry, &out.RemoteAccountID, &out.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, identity.ErrNotFound
		}
		return nil, err
	}
	if expiry != nil {
		out.TokenExpiry = *expiry
	}
	return &out, nil
}

func (s *Store) FindActiveRemoteSystem(ctx context.Context, id int64) (*identity.RemoteSystem, error) {
	var out identity.RemoteSystem
	err := s.DB.QueryRow(ctx, `
SELECT id, base_url, insecure_tls, admin_username, admin_secret_enc, system_group, active
FROM remote_systems
WHERE id=$1 AND active
`, id).Scan(&out.ID, &out.BaseURL, &out.InsecureTLS, &out.AdminUsername, &out.AdminSecretEnc, &out.Group, &out.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, identity.ErrNotFound
		}
		return nil, err
	}
	return &out, nil
}

func (s *Store) UpdateToken(ctx context.Context, identityID, tokenEnc string, expiry time.Time) error {
	_, err := s.DB.Exec(ctx, `
UPDATE identities SET token_enc=$2, token_expiry=$3, updated_at=now()
WHERE id=$1
`, identityID, tokenEnc, expiry)
	return err
}

func (s *Store) UpdateRemoteAccountID(ctx context.Context, identityID string, accountID int64) error {
	_, err := s.DB.Exec(ctx, `
UPDATE identities SET remote_account_id=$2, updated_at=now()
WHERE id=$1 AND remote_account_id=0
`, identityID, accountID)
	return err
}

func (s *Store) CreateTransaction(ctx context.Context, tx *payments.Transaction) error {
	details, err := json.Marshal(tx.ProviderDetails)
	if err != nil {
		return err
	}
	metadata, err := json.Marshal(tx.Metadata)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `
INSERT INTO payment_transactions
  (id, transaction_id, reference_id, identity_id, amount, currency, status, method,
   service_type, gateway_url, return_url, notify_url, provider_details, metadata,
   settlement_attempted, failure_reason, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13::jsonb,$14::jsonb,false,'',$15,$15)
`, tx.ID, tx.TransactionID, tx.ReferenceID, tx.IdentityID, tx.Amount, tx.Currency,
		string(tx.Status), tx.Method, tx.ServiceType, tx.GatewayURL, tx.ReturnURL, tx.NotifyURL,
		string(details), string(metadata), tx.CreatedAt)
	return err
}

const transactionColumns = `
id::text, transaction_id, reference_id, identity_id::text, amount, currency, status, method,
service_type, gateway_url, return_url, notify_url, provider_details, metadata,
settlement_attempted, processed_at, failure_reason, created_at, updated_at`

func (s *Store) GetByReference(ctx context.Context, reference string) (*payments.Transaction, error) {
	return s.scanTransaction(s.DB.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM payment_transactions WHERE reference_id=$1`, reference))
}

func (s *Store) GetByTransactionID(ctx context.Context, transactionID string) (*payments.Transaction, error) {
	return s.scanTransaction(s.DB.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM payment_transactions WHERE transaction_id=$1`, transactionID))
}

func (s *Store) scanTransaction(row pgx.Row) (*payments.Transaction, error) {
	var out payments.Transaction
	var status string
	var details, metadata []byte
	err := row.Scan(&out.ID, &out.TransactionID, &out.ReferenceID, &out.IdentityID, &out.Amount,
		&out.Currency, &status, &out.Method, &out.ServiceType, &out.GatewayURL, &out.ReturnURL,
		&out.NotifyURL, &details, &metadata, &out.SettlementAttempted, &out.ProcessedAt,
		&out.FailureReason, &out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, payments.ErrNotFound
		}
		return nil, err
	}
	out.Status = gateway.Status(status)
	if len(details) > 0 {
		_ = json.Unmarshal(details, &out.ProviderDetails)
	}
	if len(metadata) > 0 {
		_ = json.Unmarshal(metadata, &out.Metadata)
	}
	return &out, nil
}

// TransitionStatus is the compare-and-swap that makes every terminal state
// absorbing: the row moves only if it still holds the expected status.
func (s *Store) TransitionStatus(ctx context.Context, id string, from, to gateway.Status, failureReason string) (bool, error) {
	tag, err := s.DB.Exec(ctx, `
UPDATE payment_transactions
SET status=$3,
    failure_reason=CASE WHEN $4 <> '' THEN $4 ELSE failure_reason END,
    processed_at=CASE WHEN $3 IN ('completed','failed') THEN now() ELSE processed_at END,
    updated_at=now()
WHERE id=$1 AND status=$2
`, id, string(from), string(to), failureReason)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// MarkSettlementAttempted flips the marker at most once so a replayed
// webhook cannot re-trigger the orchestrator.
func (s *Store) MarkSettlementAttempted(ctx context.Context, id string) (bool, error) {
	tag, err := s.DB.Exec(ctx, `
UPDATE payment_transactions
SET settlement_attempted=true, updated_at=now()
WHERE id=$1 AND NOT settlement_attempted
`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) MergeMetadata(ctx context.Context, id string, patch map[string]any) error {
	b, err := json.Marshal(patch)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `
UPDATE payment_transactions
SET metadata = COALESCE(metadata, '{}'::jsonb) || $2::jsonb, updated_at=now()
WHERE id=$1
`, id, string(b))
	return err
}

// Record appends one audit fact. Callers wrap the store in audit.Safe so a
// failed insert never aborts the triggering operation.
func (s *Store) Record(ctx context.Context, rec audit.Record) error {
	before, err := json.Marshal(rec.Before)
	if err != nil {
		return err
	}
	after, err := json.Marshal(rec.After)
	if err != nil {
		return err
	}
	at := rec.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err = s.DB.Exec(ctx, `
INSERT INTO audit_records (actor, action, entity, entity_id, before, after, origin_ip, correlation_id, at)
VALUES ($1,$2,$3,$4,$5::jsonb,$6::jsonb,$7,$8,$9)
`, rec.Actor, rec.Action, rec.Entity, rec.EntityID, string(before), string(after), rec.OriginIP, rec.CorrelationID, at)
	return err
}
