package witness

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestCallerRoundTrip(t *testing.T) {
	addr := common.HexToAddress("0x01")
	ctx := WithCaller(context.Background(), addr)

	caller, ok := CallerFromContext(ctx)
	if !ok {
		t.Fatalf("expected caller in context")
	}
	if caller != addr {
		t.Fatalf("expected %s, got %s", addr.Hex(), caller.Hex())
	}

	if _, ok := CallerFromContext(context.Background()); ok {
		t.Fatalf("empty context must not carry a caller")
	}
}

func TestStaticAuthorized(t *testing.T) {
	alice := common.HexToAddress("0x01")
	bob := common.HexToAddress("0x02")

	open := NewStatic(nil)
	if !open.Authorized(WithCaller(context.Background(), alice), alice) {
		t.Fatalf("matching caller must be authorized with an empty allowlist")
	}
	if open.Authorized(WithCaller(context.Background(), bob), alice) {
		t.Fatalf("mismatched caller must not be authorized")
	}
	if open.Authorized(context.Background(), alice) {
		t.Fatalf("missing caller must not be authorized")
	}

	restricted := NewStatic([]common.Address{alice})
	if !restricted.Authorized(WithCaller(context.Background(), alice), alice) {
		t.Fatalf("allowlisted identity must be authorized")
	}
	if restricted.Authorized(WithCaller(context.Background(), bob), bob) {
		t.Fatalf("identity outside the allowlist must not be authorized")
	}
}
