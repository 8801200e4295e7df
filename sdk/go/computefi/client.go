package computefi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// CallerHeader carries the verified caller identity expected by the ledger
// gateway. The SDK forwards whatever identity was set via SetCaller; signature
// verification happens upstream of the ledger service.
const CallerHeader = "X-Computefi-Caller"

// Client wraps the HTTP interactions with the ledger REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu     sync.RWMutex
	caller string
}

// TransferRequest moves balance between two holders.
type TransferRequest struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Amount  uint64 `json:"amount"`
	TokenID string `json:"token_id"`
	Data    []byte `json:"data,omitempty"`
}

// MintRequest credits newly minted tokens scaled by the quality factor.
type MintRequest struct {
	To       string `json:"to"`
	ModelRef string `json:"model_ref"`
	Amount   uint64 `json:"amount"`
	Quality  int    `json:"quality"`
}

// MintResult reports the actually minted amount after quality scaling.
type MintResult struct {
	Minted  uint64 `json:"minted"`
	TokenID string `json:"token_id"`
}

// BurnRequest destroys tokens held by the owner.
type BurnRequest struct {
	Owner   string `json:"owner"`
	TokenID string `json:"token_id"`
	Amount  uint64 `json:"amount"`
}

// BuyRequest swaps reserve units for tokens at the listed price.
type BuyRequest struct {
	Buyer     string `json:"buyer"`
	ModelRef  string `json:"model_ref"`
	ReserveIn uint64 `json:"reserve_in"`
}

// BuyResult reports the minted token amount net of the swap fee.
type BuyResult struct {
	Minted  uint64 `json:"minted"`
	TokenID string `json:"token_id"`
}

// SellRequest swaps tokens back to reserve units at the listed price.
type SellRequest struct {
	Seller   string `json:"seller"`
	ModelRef string `json:"model_ref"`
	Amount   uint64 `json:"amount"`
}

// SellResult reports the reserve payout net of the swap fee.
type SellResult struct {
	Payout uint64 `json:"payout"`
}

// Status describes the ledger deployment.
type Status struct {
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
	Paused   bool   `json:"paused"`
	Admin    string `json:"admin"`
	Version  uint64 `json:"version"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("computefi api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("computefi api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the ledger API. When httpClient is nil,
// a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) *Client {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		panic(fmt.Sprintf("invalid base url: %v", err))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}
}

// SetCaller stores the caller identity attached to subsequent requests.
func (c *Client) SetCaller(address string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.caller = address
}

// Caller returns the currently stored caller identity.
func (c *Client) Caller() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.caller
}

// Transfer moves balance between two holders.
func (c *Client) Transfer(ctx context.Context, req TransferRequest) error {
	return c.post(ctx, "/api/v1/transfer", req, nil)
}

// Mint credits newly minted tokens to the recipient.
func (c *Client) Mint(ctx context.Context, req MintRequest) (MintResult, error) {
	var result MintResult
	if err := c.post(ctx, "/api/v1/mint", req, &result); err != nil {
		return MintResult{}, err
	}
	return result, nil
}

// Burn destroys tokens held by the owner.
func (c *Client) Burn(ctx context.Context, req BurnRequest) error {
	return c.post(ctx, "/api/v1/burn", req, nil)
}

// Buy swaps reserve units for tokens.
func (c *Client) Buy(ctx context.Context, req BuyRequest) (BuyResult, error) {
	var result BuyResult
	if err := c.post(ctx, "/api/v1/buy", req, &result); err != nil {
		return BuyResult{}, err
	}
	return result, nil
}

// Sell swaps tokens back to reserve units.
func (c *Client) Sell(ctx context.Context, req SellRequest) (SellResult, error) {
	var result SellResult
	if err := c.post(ctx, "/api/v1/sell", req, &result); err != nil {
		return SellResult{}, err
	}
	return result, nil
}

// SetPrice lists or updates the oracle price for a model reference.
func (c *Client) SetPrice(ctx context.Context, modelRef string, price uint64) error {
	payload := struct {
		ModelRef string `json:"model_ref"`
		Price    uint64 `json:"price"`
	}{ModelRef: modelRef, Price: price}
	return c.post(ctx, "/api/v1/price", payload, nil)
}

// Pause engages the circuit breaker.
func (c *Client) Pause(ctx context.Context) error {
	return c.post(ctx, "/api/v1/pause", struct{}{}, nil)
}

// Resume releases the circuit breaker.
func (c *Client) Resume(ctx context.Context) error {
	return c.post(ctx, "/api/v1/resume", struct{}{}, nil)
}

// SetRole grants or revokes a restricted role.
func (c *Client) SetRole(ctx context.Context, role, address string, granted bool) error {
	payload := struct {
		Role    string `json:"role"`
		Address string `json:"address"`
		Granted bool   `json:"granted"`
	}{Role: role, Address: address, Granted: granted}
	return c.post(ctx, "/api/v1/roles", payload, nil)
}

// WithdrawReserve moves reserve units out of the pool to the recipient.
func (c *Client) WithdrawReserve(ctx context.Context, to string, amount uint64) error {
	payload := struct {
		To     string `json:"to"`
		Amount uint64 `json:"amount"`
	}{To: to, Amount: amount}
	return c.post(ctx, "/api/v1/reserve/withdraw", payload, nil)
}

// DepositReserve records an inbound reserve deposit. Only the configured
// reserve asset identity is accepted by the server.
func (c *Client) DepositReserve(ctx context.Context, from string, amount uint64) error {
	payload := struct {
		From   string `json:"from"`
		Amount uint64 `json:"amount"`
	}{From: from, Amount: amount}
	return c.post(ctx, "/api/v1/reserve/deposit", payload, nil)
}

// Balance returns the balance of a holder under a token.
func (c *Client) Balance(ctx context.Context, owner, tokenID string) (uint64, error) {
	var out struct {
		Balance uint64 `json:"balance"`
	}
	endpoint := fmt.Sprintf("/api/v1/balance?owner=%s&token=%s", url.QueryEscape(owner), url.QueryEscape(tokenID))
	if err := c.get(ctx, endpoint, &out); err != nil {
		return 0, err
	}
	return out.Balance, nil
}

// Tokens returns the token IDs a holder currently owns.
func (c *Client) Tokens(ctx context.Context, owner string) ([]string, error) {
	var out struct {
		Tokens []string `json:"tokens"`
	}
	endpoint := fmt.Sprintf("/api/v1/tokens?owner=%s", url.QueryEscape(owner))
	if err := c.get(ctx, endpoint, &out); err != nil {
		return nil, err
	}
	return out.Tokens, nil
}

// Supply returns the circulating supply of a token.
func (c *Client) Supply(ctx context.Context, tokenID string) (uint64, error) {
	var out struct {
		Supply uint64 `json:"supply"`
	}
	endpoint := fmt.Sprintf("/api/v1/supply?token=%s", url.QueryEscape(tokenID))
	if err := c.get(ctx, endpoint, &out); err != nil {
		return 0, err
	}
	return out.Supply, nil
}

// TotalSupply returns the global circulating supply.
func (c *Client) TotalSupply(ctx context.Context) (uint64, error) {
	var out struct {
		TotalSupply uint64 `json:"total_supply"`
	}
	if err := c.get(ctx, "/api/v1/supply", &out); err != nil {
		return 0, err
	}
	return out.TotalSupply, nil
}

// Price returns the listed price for a token, zero when unlisted.
func (c *Client) Price(ctx context.Context, tokenID string) (uint64, error) {
	var out struct {
		Price uint64 `json:"price"`
	}
	endpoint := fmt.Sprintf("/api/v1/price?token=%s", url.QueryEscape(tokenID))
	if err := c.get(ctx, endpoint, &out); err != nil {
		return 0, err
	}
	return out.Price, nil
}

// Reserve returns the pooled reserve balance.
func (c *Client) Reserve(ctx context.Context) (uint64, error) {
	var out struct {
		Reserve uint64 `json:"reserve"`
	}
	if err := c.get(ctx, "/api/v1/reserve", &out); err != nil {
		return 0, err
	}
	return out.Reserve, nil
}

// GetStatus fetches the ledger deployment status.
func (c *Client) GetStatus(ctx context.Context) (Status, error) {
	var status Status
	if err := c.get(ctx, "/api/v1/status", &status); err != nil {
		return Status{}, err
	}
	return status, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	parts, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parts.Path), RawQuery: parts.RawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if caller := c.Caller(); caller != "" {
		req.Header.Set(CallerHeader, caller)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
