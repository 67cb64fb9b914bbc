package explorer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Config describes the esplora endpoint settings.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
}

// Client is a thin read-only wrapper over an esplora-style block explorer
// REST API (Blockstream). No retries: a failed call surfaces immediately.
type Client struct {
	baseURL string
	http    *http.Client
}

// Error wraps an upstream explorer failure with the operation that caused it.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("explorer: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// AddressInfo summarises the chain-confirmed funding state of an address.
// All values are in satoshis.
type AddressInfo struct {
	Address        string
	FundedSatoshis int64
	SpentSatoshis  int64
	TxCount        int64
}

// BalanceSatoshis is funded minus spent.
func (a *AddressInfo) BalanceSatoshis() int64 {
	return a.FundedSatoshis - a.SpentSatoshis
}

// Tx is an esplora transaction summary.
type Tx struct {
	TxID   string   `json:"txid"`
	Fee    int64    `json:"fee"`
	Vout   []Vout   `json:"vout"`
	Status TxStatus `json:"status"`
}

// Vout is a transaction output with its destination address and value in
// satoshis.
type Vout struct {
	ScriptPubKeyAddress string `json:"scriptpubkey_address"`
	Value               int64  `json:"value"`
}

// TxStatus is the confirmation state reported by the explorer.
type TxStatus struct {
	Confirmed   bool   `json:"confirmed"`
	BlockHeight *int64 `json:"block_height"`
	BlockTime   *int64 `json:"block_time"`
}

// addressResponse is the esplora /address response payload.
type addressResponse struct {
	Address    string `json:"address"`
	ChainStats struct {
		FundedTxoSum int64 `json:"funded_txo_sum"`
		SpentTxoSum  int64 `json:"spent_txo_sum"`
		TxCount      int64 `json:"tx_count"`
	} `json:"chain_stats"`
}

// NewClient constructs an explorer client helper.
func NewClient(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    httpClient,
	}
}

// GetAddressInfo fetches funded/spent totals and the transaction count for
// an address.
func (c *Client) GetAddressInfo(ctx context.Context, address string) (*AddressInfo, error) {
	var resp addressResponse
	if err := c.get(ctx, "/address/"+url.PathEscape(address), &resp); err != nil {
		return nil, &Error{Op: "address info", Err: err}
	}
	return &AddressInfo{
		Address:        resp.Address,
		FundedSatoshis: resp.ChainStats.FundedTxoSum,
		SpentSatoshis:  resp.ChainStats.SpentTxoSum,
		TxCount:        resp.ChainStats.TxCount,
	}, nil
}

// GetAddressTxs fetches the most recent transactions touching an address,
// newest first. Single fetch, no pagination cursor.
func (c *Client) GetAddressTxs(ctx context.Context, address string) ([]Tx, error) {
	var txs []Tx
	if err := c.get(ctx, "/address/"+url.PathEscape(address)+"/txs", &txs); err != nil {
		return nil, &Error{Op: "address txs", Err: err}
	}
	return txs, nil
}

// GetTransaction fetches full transaction detail including per-output
// addresses, values and confirmation status.
func (c *Client) GetTransaction(ctx context.Context, txHash string) (*Tx, error) {
	var tx Tx
	if err := c.get(ctx, "/tx/"+url.PathEscape(txHash), &tx); err != nil {
		return nil, &Error{Op: "transaction", Err: err}
	}
	return &tx, nil
}

// GetTipHeight returns the current chain tip height.
func (c *Client) GetTipHeight(ctx context.Context) (int64, error) {
	raw, err := c.getRaw(ctx, "/blocks/tip/height")
	if err != nil {
		return 0, &Error{Op: "tip height", Err: err}
	}
	height, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, &Error{Op: "tip height", Err: fmt.Errorf("parse %q: %w", raw, err)}
	}
	return height, nil
}

// GetTransactionConfirmations returns the confirmation count for a
// transaction. Best effort: any failure degrades to 0 because callers use
// it only for status display.
func (c *Client) GetTransactionConfirmations(ctx context.Context, txHash string) int64 {
	var status TxStatus
	if err := c.get(ctx, "/tx/"+url.PathEscape(txHash)+"/status", &status); err != nil {
		return 0
	}
	if !status.Confirmed || status.BlockHeight == nil {
		return 0
	}
	tip, err := c.GetTipHeight(ctx)
	if err != nil {
		return 0
	}
	confirmations := tip - *status.BlockHeight + 1
	if confirmations < 0 {
		return 0
	}
	return confirmations
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	raw, err := c.getRaw(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) getRaw(ctx context.Context, path string) ([]byte, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("explorer endpoint not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("request %s failed: status %d body %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}
