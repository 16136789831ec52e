package identity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/finbridge/ledgerlink/pkg/ledger"
	"github.com/finbridge/ledgerlink/pkg/vault"
)

// The remote ledger advertises no token expiry, so a conservative fixed
// lease is assumed.
const DefaultTokenLease = time.Hour

// LoginClient is the slice of the ledger client the cache needs.
type LoginClient interface {
	Login(ctx context.Context, sys ledger.System, username, password string) (string, error)
}

// TokenCache amortizes remote logins per identity. A stale token triggers a
// refresh under a per-identity single-flight lease: concurrent callers for
// the same identity await the one in-flight login instead of issuing
// duplicates.
type TokenCache struct {
	vault  *vault.Vault
	ledger LoginClient
	dir    Directory
	store  Store
	lease  time.Duration
	now    func() time.Time

	mu       sync.Mutex
	inflight map[string]*refresh
}

type refresh struct {
	done  chan struct{}
	token string
	err   error
}

func NewTokenCache(v *vault.Vault, lc LoginClient, dir Directory, store Store) *TokenCache {
	return &TokenCache{
		vault:    v,
		ledger:   lc,
		dir:      dir,
		store:    store,
		lease:    DefaultTokenLease,
		now:      time.Now,
		inflight: make(map[string]*refresh),
	}
}

// Token returns a plaintext bearer token for the identity, refreshing it
// via a remote login only when the cached one is absent or past its lease.
func (c *TokenCache) Token(ctx context.Context, id *Identity) (string, error) {
	if id.TokenEnc != "" && id.TokenExpiry.After(c.now()) {
		return c.vault.Decrypt(id.TokenEnc)
	}

	c.mu.Lock()
	if r, ok := c.inflight[id.ID]; ok {
		c.mu.Unlock()
		select {
		case <-r.done:
			return r.token, r.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	r := &refresh{done: make(chan struct{})}
	c.inflight[id.ID] = r
	c.mu.Unlock()

	r.token, r.err = c.refreshToken(ctx, id)
	close(r.done)

	c.mu.Lock()
	delete(c.inflight, id.ID)
	c.mu.Unlock()

	return r.token, r.err
}

func (c *TokenCache) refreshToken(ctx context.Context, id *Identity) (string, error) {
	secret, err := c.vault.Decrypt(id.SecretEnc)
	if err != nil {
		return "", fmt.Errorf("identity %s secret: %w", id.ID, err)
	}
	sys, err := c.dir.FindActiveRemoteSystem(ctx, id.RemoteSystemID)
	if err != nil {
		return "", err
	}
	token, err := c.ledger.Login(ctx, sys.LedgerSystem(), id.Username, secret)
	if err != nil {
		return "", err
	}

	expiry := c.now().Add(c.lease)
	tokenEnc, err := c.vault.Encrypt(token)
	if err != nil {
		return "", err
	}
	if err := c.store.UpdateToken(ctx, id.ID, tokenEnc, expiry); err != nil {
		return "", err
	}
	id.TokenEnc = tokenEnc
	id.TokenExpiry = expiry
	return token, nil
}
