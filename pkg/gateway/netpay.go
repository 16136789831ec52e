package gateway

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	netpaySandboxURL    = "https://sandbox.netpay.example/api"
	netpayProductionURL = "https://gateway.netpay.example/api"
)

// NetpayConfig is resolved once at startup; the sandbox flag picks the base
// URL at construction, never per call.
type NetpayConfig struct {
	TerminalID    string
	APIKey        string
	Sandbox       bool
	PublicKeyPath string

	// BaseURL overrides the environment-selected endpoint. Used in tests.
	BaseURL string
}

type netpay struct {
	cfg     NetpayConfig
	baseURL string
	http    *http.Client

	keyOnce sync.Once
	key     *rsa.PublicKey
	keyErr  error
}

func NewNetpay(cfg NetpayConfig) Provider {
	base := cfg.BaseURL
	if base == "" {
		if cfg.Sandbox {
			base = netpaySandboxURL
		} else {
			base = netpayProductionURL
		}
	}
	return &netpay{
		cfg:     cfg,
		baseURL: strings.TrimRight(base, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (n *netpay) Name() string { return "netpay" }

func (n *netpay) CreatePayment(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	reference := "ref_" + uuid.NewString()
	body := map[string]any{
		"terminal_id": n.cfg.TerminalID,
		"amount":      req.Amount,
		"currency":    req.Currency,
		"reference":   reference,
		"customer":    req.IdentityID,
		"service":     req.ServiceType,
		"return_url":  req.ReturnURL,
		"notify_url":  req.NotifyURL,
		"metadata":    req.Metadata,
	}
	var out map[string]any
	if err := n.call(ctx, http.MethodPost, "/v2/payments", body, &out); err != nil {
		return nil, err
	}
	paymentID, _ := out["payment_id"].(string)
	if paymentID == "" {
		return nil, fmt.Errorf("netpay: creation response missing payment_id")
	}
	checkoutURL, _ := out["checkout_url"].(string)
	return &CreateResult{
		PaymentID:   paymentID,
		ReferenceID: reference,
		GatewayURL:  checkoutURL,
		Details:     out,
	}, nil
}

func (n *netpay) PaymentStatus(ctx context.Context, paymentID string) (Status, error) {
	var out struct {
		Status string `json:"status"`
	}
	if err := n.call(ctx, http.MethodGet, "/v2/payments/"+paymentID, nil, &out); err != nil {
		return "", err
	}
	return mapNetpayStatus(out.Status), nil
}

func (n *netpay) RefundPayment(ctx context.Context, paymentID string, amount decimal.Decimal) error {
	body := map[string]any{"amount": amount}
	return n.call(ctx, http.MethodPost, "/v2/payments/"+paymentID+"/refund", body, nil)
}

func (n *netpay) CancelPayment(ctx context.Context, paymentID string) error {
	return n.call(ctx, http.MethodPost, "/v2/payments/"+paymentID+"/cancel", nil, nil)
}

func (n *netpay) VerifyWebhookSignature(rawBody []byte, signature string) bool {
	key, err := n.publicKey()
	if err != nil {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	digest := sha256.Sum256(rawBody)
	return rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], sig) == nil
}

func (n *netpay) ProcessWebhookNotification(rawBody []byte) (Notification, error) {
	var payload struct {
		PaymentID string `json:"payment_id"`
		Status    string `json:"status"`
	}
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return Notification{}, fmt.Errorf("netpay: malformed notification: %w", err)
	}
	if strings.TrimSpace(payload.PaymentID) == "" {
		return Notification{}, fmt.Errorf("netpay: notification missing payment_id")
	}
	var raw map[string]any
	_ = json.Unmarshal(rawBody, &raw)

	status := mapNetpayStatus(payload.Status)
	return Notification{
		PaymentID:    payload.PaymentID,
		Status:       status,
		ShouldUpdate: status == StatusCompleted || status == StatusFailed,
		Raw:          raw,
	}, nil
}

// mapNetpayStatus folds the provider's vocabulary into the internal enum.
// Unrecognized statuses map to failed, never to a success.
func mapNetpayStatus(native string) Status {
	switch strings.ToUpper(strings.TrimSpace(native)) {
	case "PENDING", "INITIATED", "IN_PROGRESS":
		return StatusPending
	case "SUCCESS", "PAID", "COMPLETED":
		return StatusCompleted
	case "CANCELLED", "VOIDED":
		return StatusCancelled
	case "REFUNDED":
		return StatusRefunded
	default:
		return StatusFailed
	}
}

func (n *netpay) publicKey() (*rsa.PublicKey, error) {
	n.keyOnce.Do(func() {
		raw, err := os.ReadFile(n.cfg.PublicKeyPath)
		if err != nil {
			n.keyErr = err
			return
		}
		block, _ := pem.Decode(raw)
		if block == nil {
			n.keyErr = fmt.Errorf("netpay: %s is not PEM", n.cfg.PublicKeyPath)
			return
		}
		parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			n.keyErr = err
			return
		}
		key, ok := parsed.(*rsa.PublicKey)
		if !ok {
			n.keyErr = fmt.Errorf("netpay: %s is not an RSA public key", n.cfg.PublicKeyPath)
			return
		}
		n.key = key
	})
	return n.key, n.keyErr
}

func (n *netpay) call(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, n.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("content-type", "application/json")
	req.Header.Set("X-Terminal-Id", n.cfg.TerminalID)
	req.SetBasicAuth(n.cfg.TerminalID, n.cfg.APIKey)

	resp, err := n.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var apiErr map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return fmt.Errorf("netpay returned %d: %v", resp.StatusCode, apiErr)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
