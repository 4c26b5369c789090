package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/interest-protocol/interest-borrow/config"
	"github.com/interest-protocol/interest-borrow/native/market"
	nativecommon "github.com/interest-protocol/interest-borrow/native/common"
)

const requestLimit = 1 << 20 // 1 MiB

// Server exposes the market engines over a thin JSON surface. All economic
// decisions stay in the engines; handlers only decode, dispatch, and map
// errors to status codes. Engines are single-writer, so every mutating
// handler serializes on a per-market mutex before dispatching.
type Server struct {
	engines map[string]*market.Engine
	locks   map[string]*sync.Mutex
	logger  *slog.Logger
	router  chi.Router
}

// New constructs a server over the supplied engines, keyed by market ID.
func New(engines map[string]*market.Engine, logger *slog.Logger, limits config.RateLimit) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	locks := make(map[string]*sync.Mutex, len(engines))
	for id := range engines {
		locks[id] = new(sync.Mutex)
	}
	s := &Server{
		engines: engines,
		locks:   locks,
		logger:  logger,
		router:  chi.NewRouter(),
	}
	s.router.Use(NewRateLimiter(limits).Middleware)
	s.router.Get("/healthz", s.health)
	s.router.Method(http.MethodGet, "/metrics", promhttp.Handler())
	s.router.Route("/v1/markets/{marketID}", func(r chi.Router) {
		r.Get("/", s.getMarket)
		r.Get("/fees", s.getFees)
		r.Get("/positions/{address}", s.getPosition)
		r.Post("/deposit", s.deposit)
		r.Post("/withdraw", s.withdraw)
		r.Post("/borrow", s.borrow)
		r.Post("/repay", s.repay)
		r.Post("/liquidate", s.liquidate)
		r.Post("/batch", s.batch)
		r.Post("/claim-rewards", s.claimRewards)
		r.Post("/accrue", s.accrue)
		r.Post("/collect-fees", s.collectFees)
	})
	return s
}

// Handler returns the HTTP handler for mounting.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) engine(w http.ResponseWriter, r *http.Request) *market.Engine {
	id := chi.URLParam(r, "marketID")
	eng, ok := s.engines[id]
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown market %q", id))
		return nil
	}
	return eng
}

// engineForWrite resolves the target engine and takes its market lock.
// Callers defer the returned release so concurrent writers queue instead of
// tripping the engine's reentrancy guard.
func (s *Server) engineForWrite(w http.ResponseWriter, r *http.Request) (*market.Engine, func()) {
	id := chi.URLParam(r, "marketID")
	eng, ok := s.engines[id]
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown market %q", id))
		return nil, nil
	}
	lock := s.locks[id]
	lock.Lock()
	return eng, lock.Unlock
}

type marketResponse struct {
	ID                    string `json:"id"`
	Kind                  string `json:"kind"`
	CollateralAsset       string `json:"collateralAsset"`
	DebtAsset             string `json:"debtAsset"`
	TotalCollateral       string `json:"totalCollateral"`
	DebtBase              string `json:"debtBase"`
	DebtElastic           string `json:"debtElastic"`
	InterestRatePerSecond string `json:"interestRatePerSecond"`
	LastAccruedAt         uint64 `json:"lastAccruedAt"`
	MaxLTVBps             uint64 `json:"maxLtvBps"`
	LiquidationFeeBps     uint64 `json:"liquidationFeeBps"`
	MaxBorrowAmount       string `json:"maxBorrowAmount"`
}

func (s *Server) getMarket(w http.ResponseWriter, r *http.Request) {
	eng := s.engine(w, r)
	if eng == nil {
		return
	}
	m, err := eng.Market()
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, marketResponse{
		ID:                    m.ID,
		Kind:                  m.Kind.String(),
		CollateralAsset:       m.CollateralAsset,
		DebtAsset:             m.DebtAsset,
		TotalCollateral:       m.TotalCollateral.String(),
		DebtBase:              m.Debt.Base.String(),
		DebtElastic:           m.Debt.Elastic.String(),
		InterestRatePerSecond: m.InterestRatePerSecond.String(),
		LastAccruedAt:         m.LastAccruedAt,
		MaxLTVBps:             m.MaxLTVBps,
		LiquidationFeeBps:     m.LiquidationFeeBps,
		MaxBorrowAmount:       m.MaxBorrowAmount.String(),
	})
}

type positionResponse struct {
	Address        string `json:"address"`
	Collateral     string `json:"collateral"`
	Principal      string `json:"principal"`
	AccruedRewards string `json:"accruedRewards"`
}

func (s *Server) getPosition(w http.ResponseWriter, r *http.Request) {
	eng := s.engine(w, r)
	if eng == nil {
		return
	}
	addr, err := config.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	pos, err := eng.PositionOf(addr)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, positionResponse{
		Address:        formatAddress(pos.Address),
		Collateral:     pos.Collateral.String(),
		Principal:      pos.Principal.String(),
		AccruedRewards: pos.AccruedRewards.String(),
	})
}

type feesResponse struct {
	DebtFees       string `json:"debtFees"`
	CollateralFees string `json:"collateralFees"`
	RewardFees     string `json:"rewardFees"`
}

func (s *Server) getFees(w http.ResponseWriter, r *http.Request) {
	eng := s.engine(w, r)
	if eng == nil {
		return
	}
	fees, err := eng.Fees()
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, feesResponse{
		DebtFees:       fees.DebtFees.String(),
		CollateralFees: fees.CollateralFees.String(),
		RewardFees:     fees.RewardFees.String(),
	})
}

type depositRequest struct {
	Payer       string `json:"payer"`
	Beneficiary string `json:"beneficiary"`
	Amount      string `json:"amount"`
}

func (s *Server) deposit(w http.ResponseWriter, r *http.Request) {
	eng, release := s.engineForWrite(w, r)
	if eng == nil {
		return
	}
	defer release()
	var req depositRequest
	if !decode(w, r, &req) {
		return
	}
	payer, amount, ok := parseActor(w, req.Payer, req.Amount)
	if !ok {
		return
	}
	beneficiary := payer
	if strings.TrimSpace(req.Beneficiary) != "" {
		beneficiary, ok = parseAddr(w, req.Beneficiary)
		if !ok {
			return
		}
	}
	if err := eng.Deposit(payer, beneficiary, amount); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type withdrawRequest struct {
	Owner               string `json:"owner"`
	CollateralRecipient string `json:"collateralRecipient"`
	RewardRecipient     string `json:"rewardRecipient"`
	Amount              string `json:"amount"`
}

func (s *Server) withdraw(w http.ResponseWriter, r *http.Request) {
	eng, release := s.engineForWrite(w, r)
	if eng == nil {
		return
	}
	defer release()
	var req withdrawRequest
	if !decode(w, r, &req) {
		return
	}
	owner, amount, ok := parseActor(w, req.Owner, req.Amount)
	if !ok {
		return
	}
	collateralRecipient := owner
	if strings.TrimSpace(req.CollateralRecipient) != "" {
		collateralRecipient, ok = parseAddr(w, req.CollateralRecipient)
		if !ok {
			return
		}
	}
	rewardRecipient := owner
	if strings.TrimSpace(req.RewardRecipient) != "" {
		rewardRecipient, ok = parseAddr(w, req.RewardRecipient)
		if !ok {
			return
		}
	}
	if err := eng.Withdraw(owner, collateralRecipient, rewardRecipient, amount); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type borrowRequest struct {
	Borrower  string `json:"borrower"`
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
}

func (s *Server) borrow(w http.ResponseWriter, r *http.Request) {
	eng, release := s.engineForWrite(w, r)
	if eng == nil {
		return
	}
	defer release()
	var req borrowRequest
	if !decode(w, r, &req) {
		return
	}
	borrower, amount, ok := parseActor(w, req.Borrower, req.Amount)
	if !ok {
		return
	}
	recipient := borrower
	if strings.TrimSpace(req.Recipient) != "" {
		recipient, ok = parseAddr(w, req.Recipient)
		if !ok {
			return
		}
	}
	if err := eng.Borrow(borrower, recipient, amount); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type repayRequest struct {
	Payer       string `json:"payer"`
	Beneficiary string `json:"beneficiary"`
	Principal   string `json:"principal"`
}

func (s *Server) repay(w http.ResponseWriter, r *http.Request) {
	eng, release := s.engineForWrite(w, r)
	if eng == nil {
		return
	}
	defer release()
	var req repayRequest
	if !decode(w, r, &req) {
		return
	}
	payer, principal, ok := parseActor(w, req.Payer, req.Principal)
	if !ok {
		return
	}
	beneficiary := payer
	if strings.TrimSpace(req.Beneficiary) != "" {
		beneficiary, ok = parseAddr(w, req.Beneficiary)
		if !ok {
			return
		}
	}
	if err := eng.Repay(payer, beneficiary, principal); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type liquidateRequest struct {
	Caller    string `json:"caller"`
	Recipient string `json:"recipient"`
	Swap      string `json:"swap"`
	Requests  []struct {
		Account   string `json:"account"`
		Principal string `json:"principal"`
	} `json:"requests"`
}

func (s *Server) liquidate(w http.ResponseWriter, r *http.Request) {
	eng, release := s.engineForWrite(w, r)
	if eng == nil {
		return
	}
	defer release()
	var req liquidateRequest
	if !decode(w, r, &req) {
		return
	}
	caller, ok := parseAddr(w, req.Caller)
	if !ok {
		return
	}
	recipient := caller
	if strings.TrimSpace(req.Recipient) != "" {
		recipient, ok = parseAddr(w, req.Recipient)
		if !ok {
			return
		}
	}
	requests := make([]market.LiquidationRequest, 0, len(req.Requests))
	for _, entry := range req.Requests {
		account, ok := parseAddr(w, entry.Account)
		if !ok {
			return
		}
		principal := big.NewInt(0)
		if strings.TrimSpace(entry.Principal) != "" {
			principal, ok = parseAmount(w, entry.Principal)
			if !ok {
				return
			}
		}
		requests = append(requests, market.LiquidationRequest{Account: account, Principal: principal})
	}
	var payload []byte
	if strings.TrimSpace(req.Swap) != "" {
		payload = []byte(req.Swap)
	}
	if err := eng.Liquidate(caller, requests, recipient, payload); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type batchRequest struct {
	Caller  string `json:"caller"`
	Actions []struct {
		Kind            string `json:"kind"`
		Beneficiary     string `json:"beneficiary"`
		RewardRecipient string `json:"rewardRecipient"`
		Amount          string `json:"amount"`
	} `json:"actions"`
}

func (s *Server) batch(w http.ResponseWriter, r *http.Request) {
	eng, release := s.engineForWrite(w, r)
	if eng == nil {
		return
	}
	defer release()
	var req batchRequest
	if !decode(w, r, &req) {
		return
	}
	caller, ok := parseAddr(w, req.Caller)
	if !ok {
		return
	}
	actions := make([]market.Action, 0, len(req.Actions))
	for _, entry := range req.Actions {
		kind, err := parseActionKind(entry.Kind)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		amount, ok := parseAmount(w, entry.Amount)
		if !ok {
			return
		}
		action := market.Action{Kind: kind, Amount: amount}
		if strings.TrimSpace(entry.Beneficiary) != "" {
			action.Beneficiary, ok = parseAddr(w, entry.Beneficiary)
			if !ok {
				return
			}
		}
		if strings.TrimSpace(entry.RewardRecipient) != "" {
			action.RewardRecipient, ok = parseAddr(w, entry.RewardRecipient)
			if !ok {
				return
			}
		}
		actions = append(actions, action)
	}
	if err := eng.Execute(caller, actions); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type claimRequest struct {
	Owner     string `json:"owner"`
	Recipient string `json:"recipient"`
}

func (s *Server) claimRewards(w http.ResponseWriter, r *http.Request) {
	eng, release := s.engineForWrite(w, r)
	if eng == nil {
		return
	}
	defer release()
	var req claimRequest
	if !decode(w, r, &req) {
		return
	}
	owner, ok := parseAddr(w, req.Owner)
	if !ok {
		return
	}
	recipient := owner
	if strings.TrimSpace(req.Recipient) != "" {
		recipient, ok = parseAddr(w, req.Recipient)
		if !ok {
			return
		}
	}
	if err := eng.ClaimRewards(owner, recipient); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) accrue(w http.ResponseWriter, r *http.Request) {
	eng, release := s.engineForWrite(w, r)
	if eng == nil {
		return
	}
	defer release()
	if err := eng.Accrue(); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) collectFees(w http.ResponseWriter, r *http.Request) {
	eng, release := s.engineForWrite(w, r)
	if eng == nil {
		return
	}
	defer release()
	if err := eng.CollectFees(); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func parseActionKind(raw string) (market.ActionKind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "deposit":
		return market.ActionDeposit, nil
	case "withdraw":
		return market.ActionWithdraw, nil
	case "borrow":
		return market.ActionBorrow, nil
	case "repay":
		return market.ActionRepay, nil
	}
	return 0, fmt.Errorf("unknown action kind %q", raw)
}

func decode(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, requestLimit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return false
	}
	return true
}

func parseActor(w http.ResponseWriter, rawAddr, rawAmount string) ([20]byte, *big.Int, bool) {
	addr, ok := parseAddr(w, rawAddr)
	if !ok {
		return addr, nil, false
	}
	amount, ok := parseAmount(w, rawAmount)
	if !ok {
		return addr, nil, false
	}
	return addr, amount, true
}

func parseAddr(w http.ResponseWriter, raw string) ([20]byte, bool) {
	addr, err := config.ParseAddress(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return addr, false
	}
	return addr, true
}

func parseAmount(w http.ResponseWriter, raw string) (*big.Int, bool) {
	value, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok || value.Sign() < 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid amount %q", raw))
		return nil, false
	}
	return value, true
}

// writeEngineError maps engine sentinels onto HTTP status codes. Validation
// failures are the caller's fault, economic refusals are unprocessable, and
// administrative pause reads as temporary unavailability.
func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, market.ErrInvalidAmount),
		errors.Is(err, market.ErrInvalidAddress),
		errors.Is(err, market.ErrInvalidWithdrawAmount),
		errors.Is(err, market.ErrInvalidLiquidationAmount),
		errors.Is(err, market.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, market.ErrInsolventCaller),
		errors.Is(err, market.ErrInsufficientBalance),
		errors.Is(err, market.ErrMaxBorrowAmountReached):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, market.ErrNilMarket):
		status = http.StatusNotFound
	case errors.Is(err, market.ErrReentrancy):
		status = http.StatusConflict
	case errors.Is(err, nativecommon.ErrModulePaused):
		status = http.StatusServiceUnavailable
	case errors.Is(err, market.ErrInvalidExchangeRate):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("market operation failed", "path", r.URL.Path, "err", err)
	}
	writeError(w, status, err)
}

func formatAddress(addr [20]byte) string {
	return fmt.Sprintf("0x%x", addr[:])
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
