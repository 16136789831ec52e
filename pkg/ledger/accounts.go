package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/shopspring/decimal"
)

// Named operations over the remote ledger's account API. All of them funnel
// through Request and inherit its retry and audit behavior.

func (c *Client) ListAccounts(ctx context.Context, sys System, token string) ([]Account, error) {
	resp, err := c.Request(ctx, sys, token, "/api/v1/accounts", nil, http.MethodGet)
	if err != nil {
		return nil, err
	}
	var out struct {
		Accounts []Account `json:"accounts"`
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, fmt.Errorf("decode accounts: %w", err)
	}
	return out.Accounts, nil
}

func (c *Client) CreateAccount(ctx context.Context, sys System, token string, acc NewAccount) (*Account, error) {
	resp, err := c.Request(ctx, sys, token, "/api/v1/accounts", acc, http.MethodPost)
	if err != nil {
		return nil, err
	}
	var out struct {
		Account Account `json:"account"`
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, fmt.Errorf("decode account: %w", err)
	}
	return &out.Account, nil
}

func (c *Client) UpdateAccount(ctx context.Context, sys System, token string, accountID int64, upd AccountUpdate) error {
	_, err := c.Request(ctx, sys, token, fmt.Sprintf("/api/v1/accounts/%d", accountID), upd, http.MethodPut)
	return err
}

// AccountHierarchy returns the account tree below the caller's account.
func (c *Client) AccountHierarchy(ctx context.Context, sys System, token string) ([]Account, error) {
	resp, err := c.Request(ctx, sys, token, "/api/v1/accounts/hierarchy", nil, http.MethodGet)
	if err != nil {
		return nil, err
	}
	var out struct {
		Accounts []Account `json:"accounts"`
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, fmt.Errorf("decode hierarchy: %w", err)
	}
	return out.Accounts, nil
}

// AccountInfo resolves one account, including its numeric id and balance.
func (c *Client) AccountInfo(ctx context.Context, sys System, token, username string) (*Account, error) {
	endpoint := "/api/v1/accounts/info?username=" + url.QueryEscape(username)
	resp, err := c.Request(ctx, sys, token, endpoint, nil, http.MethodGet)
	if err != nil {
		return nil, err
	}
	var out struct {
		Account Account `json:"account"`
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, fmt.Errorf("decode account info: %w", err)
	}
	return &out.Account, nil
}

// Deposit credits amount to the account. The reference tags the transfer so
// the remote side can deduplicate a replayed settlement.
func (c *Client) Deposit(ctx context.Context, sys System, token string, accountID int64, amount decimal.Decimal, reference string) (*DepositResult, error) {
	payload := map[string]any{
		"amount":    amount,
		"reference": reference,
	}
	resp, err := c.Request(ctx, sys, token, fmt.Sprintf("/api/v1/accounts/%d/deposit", accountID), payload, http.MethodPost)
	if err != nil {
		return nil, err
	}
	var out struct {
		Deposit DepositResult `json:"deposit"`
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, fmt.Errorf("decode deposit: %w", err)
	}
	return &out.Deposit, nil
}

func (c *Client) Usage(ctx context.Context, sys System, token string, accountID int64) (*UsageReport, error) {
	resp, err := c.Request(ctx, sys, token, fmt.Sprintf("/api/v1/accounts/%d/usage", accountID), nil, http.MethodGet)
	if err != nil {
		return nil, err
	}
	var out struct {
		Usage UsageReport `json:"usage"`
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, fmt.Errorf("decode usage: %w", err)
	}
	return &out.Usage, nil
}
