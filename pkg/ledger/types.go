package ledger

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrAuthExpired maps a 401 from the remote ledger. It is surfaced
	// immediately and never retried; the token cannot repair itself.
	ErrAuthExpired = errors.New("remote ledger authentication expired")

	// ErrAuthFailed is a login that did not yield a token.
	ErrAuthFailed = errors.New("remote ledger authentication failed")

	// ErrServiceUnavailable is surfaced after every retry attempt has
	// been exhausted.
	ErrServiceUnavailable = errors.New("remote ledger temporarily unavailable")
)

// System is the connection descriptor for one remote ledger deployment.
type System struct {
	BaseURL     string
	InsecureTLS bool
}

// Config holds the retry/backoff knobs, resolved once at startup.
type Config struct {
	MaxRetries int
	RetryDelay time.Duration
	Timeout    time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}

// Cipher seals outbound payloads. Satisfied by vault.Vault.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// Account is the remote ledger's view of an agent or manager account.
type Account struct {
	ID       int64           `json:"id"`
	Username string          `json:"username"`
	Balance  decimal.Decimal `json:"balance"`
	ParentID int64           `json:"parent_id"`
	Active   bool            `json:"active"`
}

// auditRedactor lets a payload substitute an audit-safe form of itself
// before it is written to the request audit trail.
type auditRedactor interface {
	auditRedacted() any
}

// NewAccount is the creation payload for an account.
type NewAccount struct {
	Username string `json:"username"`
	Password string `json:"password"`
	ParentID int64  `json:"parent_id,omitempty"`
}

func (a NewAccount) auditRedacted() any {
	a.Password = "[redacted]"
	return a
}

// AccountUpdate carries mutable account fields; zero values are omitted.
type AccountUpdate struct {
	Password string `json:"password,omitempty"`
	Active   *bool  `json:"active,omitempty"`
}

func (u AccountUpdate) auditRedacted() any {
	if u.Password != "" {
		u.Password = "[redacted]"
	}
	return u
}

// DepositResult echoes the remote ledger's acknowledgement of a credit.
type DepositResult struct {
	AccountID int64           `json:"account_id"`
	Balance   decimal.Decimal `json:"balance"`
	Reference string          `json:"reference"`
}

// UsageReport is the remote ledger's per-account consumption summary.
type UsageReport struct {
	AccountID int64           `json:"account_id"`
	Used      decimal.Decimal `json:"used"`
	Period    string          `json:"period"`
}
