package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	xerrors "ComputeFi-Ledger/internal/errors"
	"ComputeFi-Ledger/internal/reserve"
	"ComputeFi-Ledger/internal/witness"
)

var (
	testAdmin        = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testReserveAsset = common.HexToAddress("0x2222222222222222222222222222222222222222")
	testAlice        = common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	testBob          = common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
)

func newTestContract(t *testing.T) (*Contract, *reserve.MemoryBank, *MemorySink) {
	t.Helper()
	bank := reserve.NewMemoryBank()
	sink := NewMemorySink()
	contract := NewContract(NewMemoryState(), witness.NewStatic(nil), bank, sink,
		WithReserveAsset(testReserveAsset))
	if err := contract.Init(asCaller(testAdmin), testAdmin); err != nil {
		t.Fatalf("init: %v", err)
	}
	return contract, bank, sink
}

func asCaller(addr common.Address) context.Context {
	return witness.WithCaller(context.Background(), addr)
}

func TestInitOnce(t *testing.T) {
	contract, _, _ := newTestContract(t)
	ctx := context.Background()

	admin, err := contract.Admin(ctx)
	if err != nil {
		t.Fatalf("admin: %v", err)
	}
	if admin != testAdmin {
		t.Fatalf("expected admin %s, got %s", testAdmin.Hex(), admin.Hex())
	}
	for _, check := range []struct {
		name string
		fn   func(context.Context, common.Address) (bool, error)
	}{
		{"oracle", contract.IsOracle},
		{"minter", contract.IsMinter},
	} {
		has, err := check.fn(ctx, testAdmin)
		if err != nil {
			t.Fatalf("%s role: %v", check.name, err)
		}
		if !has {
			t.Fatalf("expected deployer to hold %s role", check.name)
		}
	}
	paused, err := contract.Paused(ctx)
	if err != nil {
		t.Fatalf("paused: %v", err)
	}
	if paused {
		t.Fatalf("fresh ledger must not be paused")
	}

	if err := contract.Init(asCaller(testAdmin), testBob); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("expected ErrAlreadyInitialized, got %v", err)
	}
}

func TestMintQualityScaling(t *testing.T) {
	contract, _, sink := newTestContract(t)
	token := TokenIDOf("model-alpha")

	minted, err := contract.Mint(asCaller(testAdmin), testAlice, "model-alpha", 100_000_000_000, 80)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if minted != 80_000_000_000 {
		t.Fatalf("expected 80000000000 minted, got %d", minted)
	}

	balance, err := contract.BalanceOf(context.Background(), testAlice, token)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != minted {
		t.Fatalf("expected balance %d, got %d", minted, balance)
	}
	supply, err := contract.TokenSupply(context.Background(), token)
	if err != nil {
		t.Fatalf("supply: %v", err)
	}
	total, err := contract.TotalSupply(context.Background())
	if err != nil {
		t.Fatalf("total supply: %v", err)
	}
	if supply != minted || total != minted {
		t.Fatalf("expected supply pair %d/%d to equal %d", supply, total, minted)
	}

	events := sink.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].From != ZeroAddress || events[0].To != testAlice || events[0].Amount != minted {
		t.Fatalf("unexpected mint event: %+v", events[0])
	}
}

func TestMintRejections(t *testing.T) {
	contract, _, _ := newTestContract(t)

	if _, err := contract.Mint(asCaller(testAlice), testAlice, "model-alpha", 1000, 80); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for non minter, got %v", err)
	}
	if _, err := contract.Mint(asCaller(testAdmin), testAlice, "model-alpha", 1000, 49); !errors.Is(err, ErrBadQuality) {
		t.Fatalf("expected ErrBadQuality below range, got %v", err)
	}
	if _, err := contract.Mint(asCaller(testAdmin), testAlice, "model-alpha", 1000, 101); !errors.Is(err, ErrBadQuality) {
		t.Fatalf("expected ErrBadQuality above range, got %v", err)
	}
	if _, err := contract.Mint(asCaller(testAdmin), testAlice, "model-alpha", 1, 50); !errors.Is(err, ErrDustAmount) {
		t.Fatalf("expected ErrDustAmount for truncated-to-zero mint, got %v", err)
	}

	total, err := contract.TotalSupply(context.Background())
	if err != nil {
		t.Fatalf("total supply: %v", err)
	}
	if total != 0 {
		t.Fatalf("rejected mints must not change supply, got %d", total)
	}
}

func TestTransferConservation(t *testing.T) {
	contract, _, sink := newTestContract(t)
	token := TokenIDOf("model-alpha")

	if _, err := contract.Mint(asCaller(testAdmin), testAlice, "model-alpha", 10_000, 100); err != nil {
		t.Fatalf("mint: %v", err)
	}

	if err := contract.Transfer(asCaller(testAlice), testAlice, testBob, 4_000, token, nil); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	ctx := context.Background()
	aliceBalance, _ := contract.BalanceOf(ctx, testAlice, token)
	bobBalance, _ := contract.BalanceOf(ctx, testBob, token)
	if aliceBalance != 6_000 || bobBalance != 4_000 {
		t.Fatalf("unexpected balances after transfer: %d/%d", aliceBalance, bobBalance)
	}
	total, _ := contract.TotalSupply(ctx)
	if total != 10_000 {
		t.Fatalf("transfer must conserve supply, got %d", total)
	}

	events := sink.Events()
	last := events[len(events)-1]
	if last.From != testAlice || last.To != testBob || last.Amount != 4_000 {
		t.Fatalf("unexpected transfer event: %+v", last)
	}
}

func TestTransferRejections(t *testing.T) {
	contract, _, _ := newTestContract(t)
	token := TokenIDOf("model-alpha")

	if _, err := contract.Mint(asCaller(testAdmin), testAlice, "model-alpha", 10_000, 100); err != nil {
		t.Fatalf("mint: %v", err)
	}

	// 调用者与出账方不一致，见证校验失败。
	if err := contract.Transfer(asCaller(testBob), testAlice, testBob, 1_000, token, nil); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := contract.Transfer(asCaller(testAlice), testAlice, testBob, 10_001, token, nil); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	ctx := context.Background()
	balance, _ := contract.BalanceOf(ctx, testAlice, token)
	if balance != 10_000 {
		t.Fatalf("failed transfer must not change balance, got %d", balance)
	}
}

func TestTransferRemovesEmptyBalanceKey(t *testing.T) {
	contract, _, _ := newTestContract(t)
	token := TokenIDOf("model-alpha")

	if _, err := contract.Mint(asCaller(testAdmin), testAlice, "model-alpha", 10_000, 100); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := contract.Transfer(asCaller(testAlice), testAlice, testBob, 10_000, token, nil); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	tokens, err := contract.TokensOf(context.Background(), testAlice)
	if err != nil {
		t.Fatalf("tokens of: %v", err)
	}
	if len(tokens) != 0 {
		t.Fatalf("zero balance must remove the key, got %d tokens", len(tokens))
	}
}

func TestZeroAmountRejected(t *testing.T) {
	contract, _, sink := newTestContract(t)
	token := TokenIDOf("model-alpha")

	if _, err := contract.Mint(asCaller(testAdmin), testAlice, "model-alpha", 10_000, 100); err != nil {
		t.Fatalf("mint: %v", err)
	}
	emitted := len(sink.Events())
	version := contract.Version()
	receiver := &recordingReceiver{contract: contract, token: token}
	contract.RegisterReceiver(testBob, receiver)

	if err := contract.Transfer(asCaller(testAlice), testAlice, testBob, 0, token, nil); !errors.Is(err, ErrZeroAmount) {
		t.Fatalf("zero transfer: expected ErrZeroAmount, got %v", err)
	}
	if err := contract.Burn(asCaller(testAlice), testAlice, token, 0); !errors.Is(err, ErrZeroAmount) {
		t.Fatalf("zero burn: expected ErrZeroAmount, got %v", err)
	}

	if got := len(sink.Events()); got != emitted {
		t.Fatalf("zero-amount operations must not emit events, got %d extra", got-emitted)
	}
	if receiver.calls != 0 {
		t.Fatalf("receiver callback fired %d times for a rejected transfer", receiver.calls)
	}
	if contract.Version() != version {
		t.Fatalf("rejected operations must not advance the version")
	}
}

type recordingReceiver struct {
	contract *Contract
	token    common.Hash
	observed uint64
	calls    int
}

func (r *recordingReceiver) OnTokenReceived(ctx context.Context, from common.Address, amount uint64, token common.Hash, _ []byte) error {
	r.calls++
	// 回调中读取的必须是已提交的余额。
	balance, err := r.contract.BalanceOf(ctx, testBob, token)
	if err != nil {
		return err
	}
	r.observed = balance
	return nil
}

func TestReceiverCallbackSeesCommittedState(t *testing.T) {
	contract, _, _ := newTestContract(t)
	token := TokenIDOf("model-alpha")

	receiver := &recordingReceiver{contract: contract, token: token}
	contract.RegisterReceiver(testBob, receiver)

	if _, err := contract.Mint(asCaller(testAdmin), testAlice, "model-alpha", 10_000, 100); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := contract.Transfer(asCaller(testAlice), testAlice, testBob, 2_500, token, nil); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	if receiver.calls != 1 {
		t.Fatalf("expected 1 callback, got %d", receiver.calls)
	}
	if receiver.observed != 2_500 {
		t.Fatalf("callback must observe committed balance, got %d", receiver.observed)
	}
}

func TestBuySellRoundTrip(t *testing.T) {
	contract, bank, _ := newTestContract(t)
	token := TokenIDOf("model-alpha")

	if err := contract.SetPrice(asCaller(testAdmin), "model-alpha", OneToken); err != nil {
		t.Fatalf("set price: %v", err)
	}

	minted, err := contract.Buy(asCaller(testAlice), testAlice, "model-alpha", 100_000)
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if minted != 99_700 {
		t.Fatalf("expected 99700 minted after 0.3%% fee, got %d", minted)
	}

	ctx := context.Background()
	reserveBalance, _ := contract.Reserve(ctx)
	if reserveBalance != 100_000 {
		t.Fatalf("full input including fee must enter the reserve, got %d", reserveBalance)
	}

	payout, err := contract.Sell(asCaller(testAlice), testAlice, "model-alpha", 99_700)
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if payout != 99_401 {
		t.Fatalf("expected payout 99401, got %d", payout)
	}
	if paid := bank.PaidTo(testAlice); paid != 99_401 {
		t.Fatalf("expected reserve transfer of 99401, got %d", paid)
	}

	reserveBalance, _ = contract.Reserve(ctx)
	if reserveBalance != 599 {
		t.Fatalf("expected residual reserve 599, got %d", reserveBalance)
	}
	supply, _ := contract.TokenSupply(ctx, token)
	if supply != 0 {
		t.Fatalf("expected supply 0 after selling everything, got %d", supply)
	}
	tokens, _ := contract.TokensOf(ctx, testAlice)
	if len(tokens) != 0 {
		t.Fatalf("zero balance must remove the key, got %d tokens", len(tokens))
	}
}

func TestBuyRejections(t *testing.T) {
	contract, _, _ := newTestContract(t)

	if _, err := contract.Buy(asCaller(testAlice), testAlice, "model-alpha", 100_000); !errors.Is(err, ErrNoPrice) {
		t.Fatalf("expected ErrNoPrice for unlisted token, got %v", err)
	}
	if err := contract.SetPrice(asCaller(testAdmin), "model-alpha", OneToken); err != nil {
		t.Fatalf("set price: %v", err)
	}
	if _, err := contract.Buy(asCaller(testAlice), testAlice, "model-alpha", DustThreshold); !errors.Is(err, ErrDustAmount) {
		t.Fatalf("expected ErrDustAmount at the threshold, got %v", err)
	}

	total, _ := contract.TotalSupply(context.Background())
	if total != 0 {
		t.Fatalf("rejected buys must not mint, got supply %d", total)
	}
}

func TestSellRejections(t *testing.T) {
	contract, _, _ := newTestContract(t)

	if err := contract.SetPrice(asCaller(testAdmin), "model-alpha", OneToken); err != nil {
		t.Fatalf("set price: %v", err)
	}
	if _, err := contract.Mint(asCaller(testAdmin), testAlice, "model-alpha", 50_000, 100); err != nil {
		t.Fatalf("mint: %v", err)
	}

	if _, err := contract.Sell(asCaller(testAlice), testAlice, "model-alpha", DustThreshold); !errors.Is(err, ErrDustAmount) {
		t.Fatalf("expected ErrDustAmount, got %v", err)
	}
	if _, err := contract.Sell(asCaller(testBob), testAlice, "model-alpha", 2_000); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := contract.Sell(asCaller(testAlice), testAlice, "model-alpha", 60_000); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	// 储备池为空，无法支付。
	if _, err := contract.Sell(asCaller(testAlice), testAlice, "model-alpha", 2_000); !errors.Is(err, ErrInsufficientReserve) {
		t.Fatalf("expected ErrInsufficientReserve, got %v", err)
	}
}

func TestSellPayoutFailureRollsBack(t *testing.T) {
	contract, bank, _ := newTestContract(t)
	token := TokenIDOf("model-alpha")

	if err := contract.SetPrice(asCaller(testAdmin), "model-alpha", OneToken); err != nil {
		t.Fatalf("set price: %v", err)
	}
	if _, err := contract.Buy(asCaller(testAlice), testAlice, "model-alpha", 100_000); err != nil {
		t.Fatalf("buy: %v", err)
	}

	bank.FailNext()
	if _, err := contract.Sell(asCaller(testAlice), testAlice, "model-alpha", 99_700); !errors.Is(err, ErrPayoutFailed) {
		t.Fatalf("expected ErrPayoutFailed, got %v", err)
	}

	ctx := context.Background()
	balance, _ := contract.BalanceOf(ctx, testAlice, token)
	if balance != 99_700 {
		t.Fatalf("failed payout must leave balance intact, got %d", balance)
	}
	reserveBalance, _ := contract.Reserve(ctx)
	if reserveBalance != 100_000 {
		t.Fatalf("failed payout must leave reserve intact, got %d", reserveBalance)
	}
	supply, _ := contract.TokenSupply(ctx, token)
	if supply != 99_700 {
		t.Fatalf("failed payout must leave supply intact, got %d", supply)
	}
}

func TestPauseGatesMutations(t *testing.T) {
	contract, _, _ := newTestContract(t)
	token := TokenIDOf("model-alpha")

	if err := contract.SetPrice(asCaller(testAdmin), "model-alpha", OneToken); err != nil {
		t.Fatalf("set price: %v", err)
	}
	if _, err := contract.Mint(asCaller(testAdmin), testAlice, "model-alpha", 50_000, 100); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := contract.Pause(asCaller(testAdmin)); err != nil {
		t.Fatalf("pause: %v", err)
	}

	if err := contract.Transfer(asCaller(testAlice), testAlice, testBob, 1_000, token, nil); !errors.Is(err, ErrPaused) {
		t.Fatalf("transfer while paused: expected ErrPaused, got %v", err)
	}
	if _, err := contract.Mint(asCaller(testAdmin), testAlice, "model-alpha", 1_000, 100); !errors.Is(err, ErrPaused) {
		t.Fatalf("mint while paused: expected ErrPaused, got %v", err)
	}
	if err := contract.Burn(asCaller(testAlice), testAlice, token, 1_000); !errors.Is(err, ErrPaused) {
		t.Fatalf("burn while paused: expected ErrPaused, got %v", err)
	}
	if _, err := contract.Buy(asCaller(testAlice), testAlice, "model-alpha", 100_000); !errors.Is(err, ErrPaused) {
		t.Fatalf("buy while paused: expected ErrPaused, got %v", err)
	}
	if _, err := contract.Sell(asCaller(testAlice), testAlice, "model-alpha", 2_000); !errors.Is(err, ErrPaused) {
		t.Fatalf("sell while paused: expected ErrPaused, got %v", err)
	}
	if err := contract.SetPrice(asCaller(testAdmin), "model-alpha", 2*OneToken); !errors.Is(err, ErrPaused) {
		t.Fatalf("set price while paused: expected ErrPaused, got %v", err)
	}
	if err := contract.WithdrawReserve(asCaller(testAdmin), testAdmin, 1); !errors.Is(err, ErrPaused) {
		t.Fatalf("withdraw while paused: expected ErrPaused, got %v", err)
	}

	// 只读查询不受熔断影响。
	balance, err := contract.BalanceOf(context.Background(), testAlice, token)
	if err != nil {
		t.Fatalf("balance while paused: %v", err)
	}
	if balance != 50_000 {
		t.Fatalf("expected balance 50000 while paused, got %d", balance)
	}
	price, err := contract.PriceOf(context.Background(), token)
	if err != nil {
		t.Fatalf("price while paused: %v", err)
	}
	if price != OneToken {
		t.Fatalf("expected price %d while paused, got %d", OneToken, price)
	}

	// 入金网关与角色管理不受熔断影响。
	if err := contract.OnReserveDeposit(asCaller(testReserveAsset), testAlice, 5_000); err != nil {
		t.Fatalf("deposit while paused: %v", err)
	}
	if err := contract.GrantOracle(asCaller(testAdmin), testBob); err != nil {
		t.Fatalf("grant while paused: %v", err)
	}

	if err := contract.Resume(asCaller(testAdmin)); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if err := contract.Transfer(asCaller(testAlice), testAlice, testBob, 1_000, token, nil); err != nil {
		t.Fatalf("transfer after resume: %v", err)
	}
}

func TestAdminOnlyOperations(t *testing.T) {
	contract, _, _ := newTestContract(t)

	if err := contract.Pause(asCaller(testAlice)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("pause by non admin: expected ErrUnauthorized, got %v", err)
	}
	if err := contract.GrantMinter(asCaller(testAlice), testAlice); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("grant by non admin: expected ErrUnauthorized, got %v", err)
	}
	if err := contract.WithdrawReserve(asCaller(testAlice), testAlice, 1); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("withdraw by non admin: expected ErrUnauthorized, got %v", err)
	}
}

func TestRoleGrantAndRevoke(t *testing.T) {
	contract, _, _ := newTestContract(t)

	if err := contract.GrantMinter(asCaller(testAdmin), testBob); err != nil {
		t.Fatalf("grant minter: %v", err)
	}
	if _, err := contract.Mint(asCaller(testBob), testBob, "model-beta", 10_000, 100); err != nil {
		t.Fatalf("mint by granted minter: %v", err)
	}
	if err := contract.RevokeMinter(asCaller(testAdmin), testBob); err != nil {
		t.Fatalf("revoke minter: %v", err)
	}
	if _, err := contract.Mint(asCaller(testBob), testBob, "model-beta", 10_000, 100); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("mint after revoke: expected ErrUnauthorized, got %v", err)
	}
}

func TestSetPriceRequiresOracle(t *testing.T) {
	contract, _, _ := newTestContract(t)

	if err := contract.SetPrice(asCaller(testAlice), "model-alpha", OneToken); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := contract.SetPrice(asCaller(testAdmin), "model-alpha", 0); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument for zero price, got %v", err)
	}

	if err := contract.GrantOracle(asCaller(testAdmin), testBob); err != nil {
		t.Fatalf("grant oracle: %v", err)
	}
	if err := contract.SetPrice(asCaller(testBob), "model-alpha", OneToken); err != nil {
		t.Fatalf("set price by granted oracle: %v", err)
	}
	price, err := contract.PriceOf(context.Background(), TokenIDOf("model-alpha"))
	if err != nil {
		t.Fatalf("price of: %v", err)
	}
	if price != OneToken {
		t.Fatalf("expected price %d, got %d", OneToken, price)
	}
}

func TestReserveDepositGateway(t *testing.T) {
	contract, _, _ := newTestContract(t)

	if err := contract.OnReserveDeposit(asCaller(testAlice), testAlice, 1_000); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("deposit by non reserve asset: expected ErrUnauthorized, got %v", err)
	}
	if err := contract.OnReserveDeposit(asCaller(testReserveAsset), testAlice, 1_000); err != nil {
		t.Fatalf("deposit by reserve asset: %v", err)
	}

	reserveBalance, err := contract.Reserve(context.Background())
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if reserveBalance != 1_000 {
		t.Fatalf("expected reserve 1000, got %d", reserveBalance)
	}
}

func TestReserveDepositRequiresConfiguredAsset(t *testing.T) {
	// 未配置储备资产时网关关闭，零地址身份不能冒充储备资产。
	contract := NewContract(NewMemoryState(), witness.NewStatic(nil),
		reserve.NewMemoryBank(), NewMemorySink())
	if err := contract.Init(asCaller(testAdmin), testAdmin); err != nil {
		t.Fatalf("init: %v", err)
	}

	if err := contract.OnReserveDeposit(asCaller(ZeroAddress), ZeroAddress, 1_000); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("deposit via zero identity: expected ErrUnauthorized, got %v", err)
	}

	reserveBalance, err := contract.Reserve(context.Background())
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if reserveBalance != 0 {
		t.Fatalf("expected reserve 0, got %d", reserveBalance)
	}
}

func TestWithdrawReserve(t *testing.T) {
	contract, bank, _ := newTestContract(t)

	if err := contract.OnReserveDeposit(asCaller(testReserveAsset), testAlice, 10_000); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := contract.WithdrawReserve(asCaller(testAdmin), testAdmin, 20_000); !errors.Is(err, ErrInsufficientReserve) {
		t.Fatalf("expected ErrInsufficientReserve, got %v", err)
	}
	if err := contract.WithdrawReserve(asCaller(testAdmin), testAdmin, 4_000); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if paid := bank.PaidTo(testAdmin); paid != 4_000 {
		t.Fatalf("expected 4000 paid out, got %d", paid)
	}
	reserveBalance, _ := contract.Reserve(context.Background())
	if reserveBalance != 6_000 {
		t.Fatalf("expected reserve 6000, got %d", reserveBalance)
	}
}

func TestBurnPairsSupply(t *testing.T) {
	contract, _, sink := newTestContract(t)
	token := TokenIDOf("model-alpha")

	if _, err := contract.Mint(asCaller(testAdmin), testAlice, "model-alpha", 10_000, 100); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := contract.Burn(asCaller(testAlice), testAlice, token, 10_000); err != nil {
		t.Fatalf("burn: %v", err)
	}

	ctx := context.Background()
	supply, _ := contract.TokenSupply(ctx, token)
	total, _ := contract.TotalSupply(ctx)
	if supply != 0 || total != 0 {
		t.Fatalf("expected zero supply after full burn, got %d/%d", supply, total)
	}
	tokens, _ := contract.TokensOf(ctx, testAlice)
	if len(tokens) != 0 {
		t.Fatalf("zero balance must remove the key, got %d tokens", len(tokens))
	}

	events := sink.Events()
	last := events[len(events)-1]
	if last.To != ZeroAddress || last.From != testAlice {
		t.Fatalf("unexpected burn event: %+v", last)
	}
}

func TestVersionAdvancesOnCommitOnly(t *testing.T) {
	contract, _, _ := newTestContract(t)

	before := contract.Version()
	if _, err := contract.Mint(asCaller(testAdmin), testAlice, "model-alpha", 10_000, 100); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if contract.Version() != before+1 {
		t.Fatalf("expected version bump after commit")
	}

	after := contract.Version()
	if _, err := contract.Mint(asCaller(testAlice), testAlice, "model-alpha", 10_000, 100); err == nil {
		t.Fatalf("expected rejection")
	}
	if contract.Version() != after {
		t.Fatalf("rejected operation must not bump the version")
	}
}
