package payments

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/finbridge/ledgerlink/pkg/audit"
	"github.com/finbridge/ledgerlink/pkg/gateway"
	"github.com/shopspring/decimal"
)

type captureRecorder struct {
	mu      sync.Mutex
	records []audit.Record
}

func (c *captureRecorder) Record(_ context.Context, rec audit.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, rec)
	return nil
}

func (c *captureRecorder) snapshot() []audit.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]audit.Record(nil), c.records...)
}

type memStore struct {
	mu    sync.Mutex
	byID  map[string]*Transaction
	byRef map[string]string
	byTx  map[string]string
}

func newMemStore() *memStore {
	return &memStore{byID: map[string]*Transaction{}, byRef: map[string]string{}, byTx: map[string]string{}}
}

func (m *memStore) CreateTransaction(_ context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *tx
	m.byID[tx.ID] = &cp
	m.byRef[tx.ReferenceID] = tx.ID
	m.byTx[tx.TransactionID] = tx.ID
	return nil
}

func (m *memStore) get(id string) *Transaction {
	if tx, ok := m.byID[id]; ok {
		cp := *tx
		return &cp
	}
	return nil
}

func (m *memStore) GetByReference(_ context.Context, ref string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.get(m.byRef[ref]), nil
}

func (m *memStore) GetByTransactionID(_ context.Context, txid string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.get(m.byTx[txid]), nil
}

func (m *memStore) TransitionStatus(_ context.Context, id string, from, to gateway.Status, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.byID[id]
	if !ok || tx.Status != from {
		return false, nil
	}
	tx.Status = to
	tx.FailureReason = reason
	return true, nil
}

func (m *memStore) MarkSettlementAttempted(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.byID[id]
	if !ok || tx.SettlementAttempted {
		return false, nil
	}
	tx.SettlementAttempted = true
	return true, nil
}

func (m *memStore) MergeMetadata(_ context.Context, id string, patch map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	if tx.Metadata == nil {
		tx.Metadata = map[string]any{}
	}
	for k, v := range patch {
		tx.Metadata[k] = v
	}
	return nil
}

type fakeProvider struct {
	mu           sync.Mutex
	pollStatus   gateway.Status
	goodSig      string
	creates      int
	cancels      int
	refunds      int
	notification gateway.Notification
}

func (f *fakeProvider) Name() string { return "fakepay" }

func (f *fakeProvider) CreatePayment(_ context.Context, req gateway.CreateRequest) (*gateway.CreateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	return &gateway.CreateResult{
		PaymentID:   "P1",
		ReferenceID: "ref_1",
		GatewayURL:  "https://fakepay.example/p/P1",
		Details:     map[string]any{"payment_id": "P1", "channel": "card", "acquirer": "fakepay-eu"},
	}, nil
}

func (f *fakeProvider) PaymentStatus(context.Context, string) (gateway.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pollStatus, nil
}

func (f *fakeProvider) RefundPayment(context.Context, string, decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refunds++
	return nil
}

func (f *fakeProvider) CancelPayment(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	return nil
}

func (f *fakeProvider) VerifyWebhookSignature(_ []byte, signature string) bool {
	return signature == f.goodSig
}

func (f *fakeProvider) ProcessWebhookNotification([]byte) (gateway.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.notification, nil
}

type fakeSettler struct {
	mu    sync.Mutex
	calls int
	err   error
	last  *Transaction
}

func (f *fakeSettler) SettleTopUp(_ context.Context, tx *Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.last = tx
	return f.err
}

func newTestService(t *testing.T) (*Service, *memStore, *fakeProvider, *fakeSettler) {
	t.Helper()
	store := newMemStore()
	provider := &fakeProvider{pollStatus: gateway.StatusPending, goodSig: "valid-sig"}
	settler := &fakeSettler{}
	reg := gateway.NewRegistry()
	reg.Register("card", provider)
	return NewService(store, reg, settler, nil), store, provider, settler
}

func createPending(t *testing.T, svc *Service) *Transaction {
	t.Helper()
	tx, err := svc.CreateTopUp(context.Background(), "id_1", decimal.NewFromInt(10000), "USD", "card", "https://return", "https://notify")
	if err != nil {
		t.Fatalf("CreateTopUp: %v", err)
	}
	return tx
}

func TestCreateTopUpValidatesAmount(t *testing.T) {
	svc, _, provider, _ := newTestService(t)
	for _, amount := range []decimal.Decimal{decimal.Zero, decimal.NewFromInt(-5)} {
		if _, err := svc.CreateTopUp(context.Background(), "id_1", amount, "USD", "card", "", ""); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("amount %s: want ErrInvalidAmount, got %v", amount, err)
		}
	}
	if provider.creates != 0 {
		t.Fatalf("provider reached on invalid amount")
	}
}

func TestCreateTopUpUnsupportedMethod(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	if _, err := svc.CreateTopUp(context.Background(), "id_1", decimal.NewFromInt(100), "USD", "smoke-signals", "", ""); !errors.Is(err, gateway.ErrUnsupportedMethod) {
		t.Fatalf("want ErrUnsupportedMethod, got %v", err)
	}
}

func TestPollBeforeConfirmationStaysPending(t *testing.T) {
	svc, _, _, settler := newTestService(t)
	tx := createPending(t, svc)

	got, err := svc.Status(context.Background(), "id_1", tx.ReferenceID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if got.Status != gateway.StatusPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}
	if settler.calls != 0 {
		t.Fatalf("settler invoked before confirmation")
	}
}

func TestWebhookCompletesAndSettlesOnce(t *testing.T) {
	svc, store, provider, settler := newTestService(t)
	tx := createPending(t, svc)
	provider.notification = gateway.Notification{PaymentID: tx.TransactionID, Status: gateway.StatusCompleted, ShouldUpdate: true}

	body := []byte(`{"payment_id":"P1","status":"SUCCESS"}`)
	if err := svc.HandleWebhook(context.Background(), "fakepay", body, "valid-sig"); err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}
	stored, _ := store.GetByReference(context.Background(), tx.ReferenceID)
	if stored.Status != gateway.StatusCompleted {
		t.Fatalf("status = %s, want completed", stored.Status)
	}
	if settler.calls != 1 {
		t.Fatalf("settler calls = %d, want 1", settler.calls)
	}
	if !settler.last.Amount.Equal(decimal.NewFromInt(10000)) {
		t.Fatalf("settled amount = %s", settler.last.Amount)
	}

	// Redelivered notification must be a no-op.
	if err := svc.HandleWebhook(context.Background(), "fakepay", body, "valid-sig"); err != nil {
		t.Fatalf("replayed HandleWebhook: %v", err)
	}
	if settler.calls != 1 {
		t.Fatalf("settler calls after replay = %d, want 1", settler.calls)
	}
}

func TestWebhookInvalidSignatureNeverTransitions(t *testing.T) {
	svc, store, provider, settler := newTestService(t)
	tx := createPending(t, svc)
	provider.notification = gateway.Notification{PaymentID: tx.TransactionID, Status: gateway.StatusCompleted, ShouldUpdate: true}

	err := svc.HandleWebhook(context.Background(), "fakepay", []byte(`{"payment_id":"P1","status":"SUCCESS"}`), "forged")
	if !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("want ErrSignatureInvalid, got %v", err)
	}
	stored, _ := store.GetByReference(context.Background(), tx.ReferenceID)
	if stored.Status != gateway.StatusPending {
		t.Fatalf("status = %s after forged webhook", stored.Status)
	}
	if settler.calls != 0 {
		t.Fatalf("settler invoked on forged webhook")
	}
}

func TestWebhookIntermediateStatusIsAcknowledgedOnly(t *testing.T) {
	svc, store, provider, _ := newTestService(t)
	tx := createPending(t, svc)
	provider.notification = gateway.Notification{PaymentID: tx.TransactionID, Status: gateway.StatusPending, ShouldUpdate: false}

	if err := svc.HandleWebhook(context.Background(), "fakepay", []byte(`{}`), "valid-sig"); err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}
	stored, _ := store.GetByReference(context.Background(), tx.ReferenceID)
	if stored.Status != gateway.StatusPending {
		t.Fatalf("intermediate notification changed status to %s", stored.Status)
	}
}

func TestPollDisagreementDrivesTransition(t *testing.T) {
	svc, store, provider, settler := newTestService(t)
	tx := createPending(t, svc)
	provider.pollStatus = gateway.StatusCompleted

	if _, err := svc.Status(context.Background(), "id_1", tx.ReferenceID); err != nil {
		t.Fatalf("Status: %v", err)
	}
	stored, _ := store.GetByReference(context.Background(), tx.ReferenceID)
	if stored.Status != gateway.StatusCompleted {
		t.Fatalf("status = %s, want completed", stored.Status)
	}
	if settler.calls != 1 {
		t.Fatalf("settler calls = %d, want 1", settler.calls)
	}
}

func TestCancelOnlyFromPending(t *testing.T) {
	svc, store, provider, _ := newTestService(t)
	tx := createPending(t, svc)

	if err := svc.Cancel(context.Background(), "id_1", tx.ReferenceID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if provider.cancels != 1 {
		t.Fatalf("provider cancels = %d", provider.cancels)
	}
	stored, _ := store.GetByReference(context.Background(), tx.ReferenceID)
	if stored.Status != gateway.StatusCancelled {
		t.Fatalf("status = %s", stored.Status)
	}

	// Cancelled is terminal; a second cancel must be rejected.
	if err := svc.Cancel(context.Background(), "id_1", tx.ReferenceID); !errors.Is(err, ErrCannotCancel) {
		t.Fatalf("want ErrCannotCancel, got %v", err)
	}
}

func TestRefundOnlyFromCompleted(t *testing.T) {
	svc, store, provider, _ := newTestService(t)
	tx := createPending(t, svc)

	if err := svc.Refund(context.Background(), "id_1", tx.ReferenceID); !errors.Is(err, ErrCannotRefund) {
		t.Fatalf("refund of pending payment: want ErrCannotRefund, got %v", err)
	}

	provider.notification = gateway.Notification{PaymentID: tx.TransactionID, Status: gateway.StatusCompleted, ShouldUpdate: true}
	if err := svc.HandleWebhook(context.Background(), "fakepay", []byte(`{}`), "valid-sig"); err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}
	if err := svc.Refund(context.Background(), "id_1", tx.ReferenceID); err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if provider.refunds != 1 {
		t.Fatalf("provider refunds = %d", provider.refunds)
	}
	stored, _ := store.GetByReference(context.Background(), tx.ReferenceID)
	if stored.Status != gateway.StatusRefunded {
		t.Fatalf("status = %s", stored.Status)
	}

	if err := svc.Refund(context.Background(), "id_1", tx.ReferenceID); !errors.Is(err, ErrCannotRefund) {
		t.Fatalf("second refund: want ErrCannotRefund, got %v", err)
	}
}

func TestOwnershipMismatchLooksLikeAbsence(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	tx := createPending(t, svc)

	if _, err := svc.Status(context.Background(), "someone-else", tx.ReferenceID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	if err := svc.Cancel(context.Background(), "someone-else", tx.ReferenceID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	if _, err := svc.Status(context.Background(), "id_1", "ref_unknown"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown reference: want ErrNotFound, got %v", err)
	}
}

func TestCreateTopUpStoresProviderDetails(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	tx := createPending(t, svc)

	stored, _ := store.GetByReference(context.Background(), tx.ReferenceID)
	if stored.ProviderDetails == nil {
		t.Fatalf("provider details not persisted")
	}
	if stored.ProviderDetails["channel"] != "card" || stored.ProviderDetails["acquirer"] != "fakepay-eu" {
		t.Fatalf("unexpected provider details: %v", stored.ProviderDetails)
	}
}

func TestAuditRecordsCarryRequestOrigin(t *testing.T) {
	store := newMemStore()
	provider := &fakeProvider{pollStatus: gateway.StatusPending, goodSig: "valid-sig"}
	reg := gateway.NewRegistry()
	reg.Register("card", provider)
	rec := &captureRecorder{}
	svc := NewService(store, reg, &fakeSettler{}, rec)

	ctx := audit.WithOrigin(context.Background(), audit.Origin{IP: "203.0.113.9", CorrelationID: "req_corr"})
	tx, err := svc.CreateTopUp(ctx, "id_1", decimal.NewFromInt(100), "USD", "card", "", "")
	if err != nil {
		t.Fatalf("CreateTopUp: %v", err)
	}
	provider.notification = gateway.Notification{PaymentID: tx.TransactionID, Status: gateway.StatusCompleted, ShouldUpdate: true}
	if err := svc.HandleWebhook(ctx, "fakepay", []byte(`{}`), "valid-sig"); err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}

	records := rec.snapshot()
	if len(records) != 2 {
		t.Fatalf("audit records = %d, want 2 (create + transition)", len(records))
	}
	for _, r := range records {
		if r.OriginIP != "203.0.113.9" {
			t.Fatalf("action %s: origin ip = %q", r.Action, r.OriginIP)
		}
		if r.CorrelationID != "req_corr" {
			t.Fatalf("action %s: correlation id = %q", r.Action, r.CorrelationID)
		}
	}
}

func TestSettlerFailureKeepsCompletedStatus(t *testing.T) {
	svc, store, provider, settler := newTestService(t)
	tx := createPending(t, svc)
	provider.notification = gateway.Notification{PaymentID: tx.TransactionID, Status: gateway.StatusCompleted, ShouldUpdate: true}
	settler.err = errors.New("ledger deposit rejected")

	err := svc.HandleWebhook(context.Background(), "fakepay", []byte(`{}`), "valid-sig")
	if err == nil {
		t.Fatalf("settlement failure should propagate")
	}
	stored, _ := store.GetByReference(context.Background(), tx.ReferenceID)
	if stored.Status != gateway.StatusCompleted {
		t.Fatalf("status = %s, settlement failure must not revert completion", stored.Status)
	}
}
