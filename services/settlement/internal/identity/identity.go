package identity

import (
	"context"
	"errors"
	"time"

	"github.com/finbridge/ledgerlink/pkg/ledger"
)

var ErrNotFound = errors.New("identity not found")

const (
	KindAgent = "agent"
	KindAdmin = "admin"
)

// Identity is a local record credentialed against one remote ledger system.
// Token fields are mutated only by the TokenCache; RemoteAccountID is cached
// after the first remote lookup and never re-derived while present.
type Identity struct {
	ID              string
	Username        string
	Kind            string
	RemoteSystemID  int64
	SecretEnc       string
	TokenEnc        string
	TokenExpiry     time.Time
	RemoteAccountID int64
	Active          bool
}

// RemoteSystem describes one remote ledger deployment. Administrator
// credentials stay encrypted until the settlement step needs them.
type RemoteSystem struct {
	ID             int64
	BaseURL        string
	InsecureTLS    bool
	AdminUsername  string
	AdminSecretEnc string
	Group          string
	Active         bool
}

func (rs *RemoteSystem) LedgerSystem() ledger.System {
	return ledger.System{BaseURL: rs.BaseURL, InsecureTLS: rs.InsecureTLS}
}

// Directory is the read side of the local identity store.
type Directory interface {
	FindActiveIdentity(ctx context.Context, username string) (*Identity, error)
	FindIdentityByID(ctx context.Context, id string) (*Identity, error)
	FindActiveRemoteSystem(ctx context.Context, id int64) (*RemoteSystem, error)
}

// Store is the write side: only token material and the cached remote
// account id are ever mutated.
type Store interface {
	UpdateToken(ctx context.Context, identityID, tokenEnc string, expiry time.Time) error
	UpdateRemoteAccountID(ctx context.Context, identityID string, accountID int64) error
}
