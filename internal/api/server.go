package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "ComputeFi-Ledger/internal/errors"
	"ComputeFi-Ledger/internal/ledger"
	"ComputeFi-Ledger/internal/observability/metrics"
	"ComputeFi-Ledger/internal/witness"
)

// CallerHeader 携带网关已验证的调用者身份。生产部署中由前置网关
// 在完成签名校验后注入，服务本身不重复校验签名。
const CallerHeader = "X-Computefi-Caller"

// Reader 是余额与价格的读路径。默认直读合约，配置了 Redis 时由
// 缓存实现替代。
type Reader interface {
	BalanceOf(ctx context.Context, owner common.Address, token common.Hash) (uint64, error)
	TokenSupply(ctx context.Context, token common.Hash) (uint64, error)
	TotalSupply(ctx context.Context) (uint64, error)
	PriceOf(ctx context.Context, token common.Hash) (uint64, error)
	Reserve(ctx context.Context) (uint64, error)
}

// Server 负责暴露 REST 接口，供外部驱动账本执行。
type Server struct {
	addr     string
	contract *ledger.Contract
	reads    Reader
}

// NewServer 构造 API 服务实例。reads 为 nil 时直读合约。
func NewServer(addr string, contract *ledger.Contract, reads Reader) *Server {
	if reads == nil {
		reads = contract
	}
	return &Server{addr: addr, contract: contract, reads: reads}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/transfer", s.instrument("transfer", s.handleTransfer))
	mux.HandleFunc("/api/v1/mint", s.instrument("mint", s.handleMint))
	mux.HandleFunc("/api/v1/burn", s.instrument("burn", s.handleBurn))
	mux.HandleFunc("/api/v1/buy", s.instrument("buy", s.handleBuy))
	mux.HandleFunc("/api/v1/sell", s.instrument("sell", s.handleSell))
	mux.HandleFunc("/api/v1/price", s.instrument("price", s.handlePrice))
	mux.HandleFunc("/api/v1/pause", s.instrument("pause", s.handlePause))
	mux.HandleFunc("/api/v1/resume", s.instrument("resume", s.handleResume))
	mux.HandleFunc("/api/v1/roles", s.instrument("roles", s.handleRoles))
	mux.HandleFunc("/api/v1/reserve", s.instrument("reserve", s.handleReserve))
	mux.HandleFunc("/api/v1/reserve/withdraw", s.instrument("reserve_withdraw", s.handleWithdraw))
	mux.HandleFunc("/api/v1/reserve/deposit", s.instrument("reserve_deposit", s.handleDeposit))
	mux.HandleFunc("/api/v1/balance", s.instrument("balance", s.handleBalance))
	mux.HandleFunc("/api/v1/tokens", s.instrument("tokens", s.handleTokens))
	mux.HandleFunc("/api/v1/supply", s.instrument("supply", s.handleSupply))
	mux.HandleFunc("/api/v1/status", s.instrument("status", s.handleStatus))

	// 配置 HTTP 服务器。
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// 启动服务器并监听关闭信号。
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type transferRequest struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Amount  uint64 `json:"amount"`
	TokenID string `json:"token_id"`
	Data    []byte `json:"data,omitempty"`
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	from, ok := parseAddress(req.From)
	if !ok {
		http.Error(w, "from 地址无效", http.StatusBadRequest)
		return
	}
	to, ok := parseAddress(req.To)
	if !ok {
		http.Error(w, "to 地址无效", http.StatusBadRequest)
		return
	}
	token, ok := parseHash(req.TokenID)
	if !ok {
		http.Error(w, "token_id 无效", http.StatusBadRequest)
		return
	}

	ctx := callerContext(r)
	if err := s.contract.Transfer(ctx, from, to, req.Amount, token, req.Data); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"ok": true})
}

type mintRequest struct {
	To       string `json:"to"`
	ModelRef string `json:"model_ref"`
	Amount   uint64 `json:"amount"`
	Quality  int    `json:"quality"`
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req mintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	to, ok := parseAddress(req.To)
	if !ok {
		http.Error(w, "to 地址无效", http.StatusBadRequest)
		return
	}

	ctx := callerContext(r)
	minted, err := s.contract.Mint(ctx, to, req.ModelRef, req.Amount, req.Quality)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{
		"minted":   minted,
		"token_id": ledger.TokenIDOf(req.ModelRef).Hex(),
	})
}

type burnRequest struct {
	Owner   string `json:"owner"`
	TokenID string `json:"token_id"`
	Amount  uint64 `json:"amount"`
}

func (s *Server) handleBurn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req burnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	owner, ok := parseAddress(req.Owner)
	if !ok {
		http.Error(w, "owner 地址无效", http.StatusBadRequest)
		return
	}
	token, ok := parseHash(req.TokenID)
	if !ok {
		http.Error(w, "token_id 无效", http.StatusBadRequest)
		return
	}

	ctx := callerContext(r)
	if err := s.contract.Burn(ctx, owner, token, req.Amount); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"ok": true})
}

type buyRequest struct {
	Buyer     string `json:"buyer"`
	ModelRef  string `json:"model_ref"`
	ReserveIn uint64 `json:"reserve_in"`
}

func (s *Server) handleBuy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req buyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	buyer, ok := parseAddress(req.Buyer)
	if !ok {
		http.Error(w, "buyer 地址无效", http.StatusBadRequest)
		return
	}

	ctx := callerContext(r)
	minted, err := s.contract.Buy(ctx, buyer, req.ModelRef, req.ReserveIn)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{
		"minted":   minted,
		"token_id": ledger.TokenIDOf(req.ModelRef).Hex(),
	})
}

type sellRequest struct {
	Seller   string `json:"seller"`
	ModelRef string `json:"model_ref"`
	Amount   uint64 `json:"amount"`
}

func (s *Server) handleSell(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req sellRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	seller, ok := parseAddress(req.Seller)
	if !ok {
		http.Error(w, "seller 地址无效", http.StatusBadRequest)
		return
	}

	ctx := callerContext(r)
	payout, err := s.contract.Sell(ctx, seller, req.ModelRef, req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"payout": payout})
}

type priceRequest struct {
	ModelRef string `json:"model_ref"`
	Price    uint64 `json:"price"`
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		token, ok := parseHash(r.URL.Query().Get("token"))
		if !ok {
			http.Error(w, "token 参数无效", http.StatusBadRequest)
			return
		}
		price, err := s.reads.PriceOf(r.Context(), token)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]any{"price": price, "listed": price > 0})
	case http.MethodPost:
		var req priceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "请求体解析失败", http.StatusBadRequest)
			return
		}
		ctx := callerContext(r)
		if err := s.contract.SetPrice(ctx, req.ModelRef, req.Price); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]any{
			"ok":       true,
			"token_id": ledger.TokenIDOf(req.ModelRef).Hex(),
		})
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if err := s.contract.Pause(callerContext(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"paused": true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if err := s.contract.Resume(callerContext(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"paused": false})
}

type roleRequest struct {
	Role    string `json:"role"`
	Address string `json:"address"`
	Granted bool   `json:"granted"`
}

func (s *Server) handleRoles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req roleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	addr, ok := parseAddress(req.Address)
	if !ok {
		http.Error(w, "address 地址无效", http.StatusBadRequest)
		return
	}

	ctx := callerContext(r)
	var err error
	switch ledger.Role(req.Role) {
	case ledger.RoleOracle:
		if req.Granted {
			err = s.contract.GrantOracle(ctx, addr)
		} else {
			err = s.contract.RevokeOracle(ctx, addr)
		}
	case ledger.RoleMinter:
		if req.Granted {
			err = s.contract.GrantMinter(ctx, addr)
		} else {
			err = s.contract.RevokeMinter(ctx, addr)
		}
	default:
		http.Error(w, "未知角色", http.StatusBadRequest)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"ok": true})
}

func (s *Server) handleReserve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	reserveBalance, err := s.reads.Reserve(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"reserve": reserveBalance})
}

type withdrawRequest struct {
	To     string `json:"to"`
	Amount uint64 `json:"amount"`
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req withdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	to, ok := parseAddress(req.To)
	if !ok {
		http.Error(w, "to 地址无效", http.StatusBadRequest)
		return
	}
	if err := s.contract.WithdrawReserve(callerContext(r), to, req.Amount); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"ok": true})
}

type depositRequest struct {
	From   string `json:"from"`
	Amount uint64 `json:"amount"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req depositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	from, ok := parseAddress(req.From)
	if !ok {
		http.Error(w, "from 地址无效", http.StatusBadRequest)
		return
	}
	if err := s.contract.OnReserveDeposit(callerContext(r), from, req.Amount); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"ok": true})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	owner, ok := parseAddress(r.URL.Query().Get("owner"))
	if !ok {
		http.Error(w, "owner 参数无效", http.StatusBadRequest)
		return
	}
	token, ok := parseHash(r.URL.Query().Get("token"))
	if !ok {
		http.Error(w, "token 参数无效", http.StatusBadRequest)
		return
	}
	balance, err := s.reads.BalanceOf(r.Context(), owner, token)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"balance": balance})
}

func (s *Server) handleTokens(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	owner, ok := parseAddress(r.URL.Query().Get("owner"))
	if !ok {
		http.Error(w, "owner 参数无效", http.StatusBadRequest)
		return
	}
	tokens, err := s.contract.TokensOf(r.Context(), owner)
	if err != nil {
		writeError(w, err)
		return
	}
	hexTokens := make([]string, 0, len(tokens))
	for _, token := range tokens {
		hexTokens = append(hexTokens, token.Hex())
	}
	writeJSON(w, map[string]any{"tokens": hexTokens})
}

func (s *Server) handleSupply(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	raw := r.URL.Query().Get("token")
	if raw == "" {
		total, err := s.reads.TotalSupply(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]any{"total_supply": total})
		return
	}
	token, ok := parseHash(raw)
	if !ok {
		http.Error(w, "token 参数无效", http.StatusBadRequest)
		return
	}
	supply, err := s.reads.TokenSupply(r.Context(), token)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"supply": supply})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	paused, err := s.contract.Paused(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	admin, err := s.contract.Admin(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{
		"symbol":   s.contract.Symbol(),
		"decimals": s.contract.Decimals(),
		"paused":   paused,
		"admin":    admin.Hex(),
		"version":  s.contract.Version(),
	})
}

// callerContext 将网关注入的调用者身份写入请求上下文。
func callerContext(r *http.Request) context.Context {
	ctx := r.Context()
	raw := r.Header.Get(CallerHeader)
	if common.IsHexAddress(raw) {
		ctx = witness.WithCaller(ctx, common.HexToAddress(raw))
	}
	return ctx
}

func parseAddress(raw string) (common.Address, bool) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func parseHash(raw string) (common.Hash, bool) {
	if len(raw) != 2+common.HashLength*2 || raw[:2] != "0x" {
		return common.Hash{}, false
	}
	return common.HexToHash(raw), true
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError 将账本错误码映射为 HTTP 状态码。
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch xerrors.CodeOf(err) {
	case ledger.CodeUnauthorized, xerrors.CodeUnauthorized:
		status = http.StatusForbidden
	case ledger.CodeInsufficientBalance, ledger.CodeDustAmount, ledger.CodeZeroAmount,
		ledger.CodeBadQuality, ledger.CodeAmountOverflow, xerrors.CodeInvalidArgument:
		status = http.StatusBadRequest
	case ledger.CodeNoPrice:
		status = http.StatusNotFound
	case ledger.CodePaused, ledger.CodeInsufficientReserve, ledger.CodeAlreadyInitialized:
		status = http.StatusConflict
	case ledger.CodePayoutFailed:
		status = http.StatusBadGateway
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"code":  string(xerrors.CodeOf(err)),
		"error": err.Error(),
	})
}

// instrument 记录请求耗时与状态码。
func (s *Server) instrument(name string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(start))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
