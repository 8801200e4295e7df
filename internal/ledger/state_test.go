package ledger

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestTxnOverlayDiscardsStagedWrites(t *testing.T) {
	state := NewMemoryState()
	ctx := context.Background()
	owner := common.HexToAddress("0x01")
	token := TokenIDOf("model-alpha")

	txn := newTxn(state)
	if err := txn.Credit(ctx, owner, token, 500); err != nil {
		t.Fatalf("credit: %v", err)
	}

	// overlay 内可见，底层状态不可见。
	staged, err := txn.Balance(ctx, owner, token)
	if err != nil {
		t.Fatalf("overlay balance: %v", err)
	}
	if staged != 500 {
		t.Fatalf("expected staged balance 500, got %d", staged)
	}
	committed, err := state.Balance(ctx, owner, token)
	if err != nil {
		t.Fatalf("state balance: %v", err)
	}
	if committed != 0 {
		t.Fatalf("uncommitted txn must not touch state, got %d", committed)
	}
}

func TestTxnCommitAppliesAtomically(t *testing.T) {
	state := NewMemoryState()
	ctx := context.Background()
	owner := common.HexToAddress("0x01")
	token := TokenIDOf("model-alpha")

	txn := newTxn(state)
	if err := txn.Credit(ctx, owner, token, 500); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := txn.IncreaseSupply(ctx, token, 500); err != nil {
		t.Fatalf("increase supply: %v", err)
	}
	txn.SetReserve(42)
	if err := txn.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	balance, _ := state.Balance(ctx, owner, token)
	supply, _ := state.TokenSupply(ctx, token)
	total, _ := state.TotalSupply(ctx)
	reserveBalance, _ := state.Reserve(ctx)
	if balance != 500 || supply != 500 || total != 500 || reserveBalance != 42 {
		t.Fatalf("unexpected committed state: %d/%d/%d/%d", balance, supply, total, reserveBalance)
	}
}

func TestTxnDebitToZeroDeletesKey(t *testing.T) {
	state := NewMemoryState()
	ctx := context.Background()
	owner := common.HexToAddress("0x01")
	token := TokenIDOf("model-alpha")

	txn := newTxn(state)
	if err := txn.Credit(ctx, owner, token, 300); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := txn.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	txn = newTxn(state)
	ok, err := txn.Debit(ctx, owner, token, 300)
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if !ok {
		t.Fatalf("debit within balance must succeed")
	}
	if err := txn.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tokens, err := state.TokensOf(ctx, owner)
	if err != nil {
		t.Fatalf("tokens of: %v", err)
	}
	if len(tokens) != 0 {
		t.Fatalf("zero balance must remove the key, got %d entries", len(tokens))
	}
}

func TestTxnDebitInsufficientLeavesNoWrites(t *testing.T) {
	state := NewMemoryState()
	ctx := context.Background()
	owner := common.HexToAddress("0x01")
	token := TokenIDOf("model-alpha")

	txn := newTxn(state)
	ok, err := txn.Debit(ctx, owner, token, 1)
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if ok {
		t.Fatalf("debit beyond balance must report false")
	}
	if !txn.ch.empty() {
		t.Fatalf("failed debit must not stage writes")
	}
}

func TestTokensOfSortedAndIsolated(t *testing.T) {
	state := NewMemoryState()
	ctx := context.Background()
	owner := common.HexToAddress("0x01")
	other := common.HexToAddress("0x02")

	tokenA := TokenIDOf("model-alpha")
	tokenB := TokenIDOf("model-beta")
	tokenC := TokenIDOf("model-gamma")

	txn := newTxn(state)
	for _, token := range []common.Hash{tokenC, tokenA, tokenB} {
		if err := txn.Credit(ctx, owner, token, 10); err != nil {
			t.Fatalf("credit: %v", err)
		}
	}
	if err := txn.Credit(ctx, other, tokenA, 10); err != nil {
		t.Fatalf("credit other: %v", err)
	}
	if err := txn.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tokens, err := state.TokensOf(ctx, owner)
	if err != nil {
		t.Fatalf("tokens of: %v", err)
	}
	if len(tokens) != 3 {
		t.Fatalf("expected 3 tokens, got %d", len(tokens))
	}
	for i := 1; i < len(tokens); i++ {
		if tokens[i-1].Cmp(tokens[i]) >= 0 {
			t.Fatalf("tokens must be sorted: %v", tokens)
		}
	}

	otherTokens, err := state.TokensOf(ctx, other)
	if err != nil {
		t.Fatalf("tokens of other: %v", err)
	}
	if len(otherTokens) != 1 {
		t.Fatalf("expected 1 token for other owner, got %d", len(otherTokens))
	}
}

func TestCreditOverflow(t *testing.T) {
	state := NewMemoryState()
	ctx := context.Background()
	owner := common.HexToAddress("0x01")
	token := TokenIDOf("model-alpha")

	txn := newTxn(state)
	if err := txn.Credit(ctx, owner, token, ^uint64(0)); err != nil {
		t.Fatalf("credit max: %v", err)
	}
	if err := txn.Credit(ctx, owner, token, 1); err == nil {
		t.Fatalf("expected overflow error")
	}
}

func TestMulDiv(t *testing.T) {
	cases := []struct {
		a, b, div uint64
		want      uint64
		ok        bool
	}{
		{100_000, 3, 1000, 300, true},
		{99_700, 3, 1000, 299, true},
		{100_000_000_000, 80, 100, 80_000_000_000, true},
		{99_700, OneToken, OneToken, 99_700, true},
		{^uint64(0), ^uint64(0), 1, 0, false},
		{1, 1, 0, 0, false},
	}
	for _, tc := range cases {
		got, ok := mulDiv(tc.a, tc.b, tc.div)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("mulDiv(%d, %d, %d) = %d, %v; want %d, %v", tc.a, tc.b, tc.div, got, ok, tc.want, tc.ok)
		}
	}
}
