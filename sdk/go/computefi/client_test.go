package computefi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientForwardsCallerHeader(t *testing.T) {
	var gotCaller string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCaller = r.Header.Get(CallerHeader)
		if r.URL.Path != "/api/v1/mint" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req MintRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Quality != 80 {
			t.Errorf("expected quality 80, got %d", req.Quality)
		}
		_ = json.NewEncoder(w).Encode(MintResult{Minted: 8000, TokenID: "0xabc"})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil)
	client.SetCaller("0x1111111111111111111111111111111111111111")

	result, err := client.Mint(context.Background(), MintRequest{
		To:       "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		ModelRef: "model-alpha",
		Amount:   10000,
		Quality:  80,
	})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if result.Minted != 8000 {
		t.Fatalf("expected 8000 minted, got %d", result.Minted)
	}
	if gotCaller != "0x1111111111111111111111111111111111111111" {
		t.Fatalf("caller header not forwarded, got %q", gotCaller)
	}
}

func TestClientDecodesAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"code":  "LEDGER_PAUSED",
			"error": "[LEDGER_PAUSED] ledger is paused",
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil)
	err := client.Transfer(context.Background(), TransferRequest{
		From:    "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		To:      "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
		Amount:  1,
		TokenID: "0x0000000000000000000000000000000000000000000000000000000000000001",
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Code != "LEDGER_PAUSED" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

func TestClientQueryEndpoints(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/v1/balance":
			if r.URL.Query().Get("owner") == "" || r.URL.Query().Get("token") == "" {
				t.Errorf("missing query parameters: %s", r.URL.RawQuery)
			}
			_ = json.NewEncoder(w).Encode(map[string]uint64{"balance": 42})
		case r.URL.Path == "/api/v1/supply" && r.URL.Query().Get("token") == "":
			_ = json.NewEncoder(w).Encode(map[string]uint64{"total_supply": 1000})
		case r.URL.Path == "/api/v1/reserve":
			_ = json.NewEncoder(w).Encode(map[string]uint64{"reserve": 77})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	client := NewClient(server.URL, nil)
	ctx := context.Background()

	balance, err := client.Balance(ctx, "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		"0x0000000000000000000000000000000000000000000000000000000000000001")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 42 {
		t.Fatalf("expected balance 42, got %d", balance)
	}

	total, err := client.TotalSupply(ctx)
	if err != nil {
		t.Fatalf("total supply: %v", err)
	}
	if total != 1000 {
		t.Fatalf("expected total supply 1000, got %d", total)
	}

	reserve, err := client.Reserve(ctx)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if reserve != 77 {
		t.Fatalf("expected reserve 77, got %d", reserve)
	}
}
