// Package api serves the exchange over REST and WebSocket.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/batchex/pkg/app/core/asset"
	"github.com/uhyunpark/batchex/pkg/app/core/query"
	"github.com/uhyunpark/batchex/pkg/app/exchange"
	"github.com/uhyunpark/batchex/pkg/util"
)

const defaultPageSize = 100

// Server handles REST API and WebSocket connections
type Server struct {
	ex      *exchange.Exchange
	router  *mux.Router
	hub     *Hub
	origins []string
	log     *zap.SugaredLogger
}

// NewServer creates an API server and subscribes its hub to ex's events.
func NewServer(ex *exchange.Exchange, origins []string, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = util.NopSugar()
	}
	s := &Server{
		ex:      ex,
		router:  mux.NewRouter(),
		hub:     NewHub(log.Named("ws")),
		origins: origins,
		log:     log,
	}
	ex.OnEvent(s.hub.Publish)
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/batch", s.handleGetBatch).Methods("GET")

	api.HandleFunc("/tokens", s.handleGetTokens).Methods("GET")
	api.HandleFunc("/tokens", s.handleRegisterToken).Methods("POST")

	api.HandleFunc("/accounts/{address}/balances/{asset}", s.handleGetBalance).Methods("GET")
	api.HandleFunc("/accounts/{address}/orders", s.handleGetUserOrders).Methods("GET")

	api.HandleFunc("/deposits", s.handleDeposit).Methods("POST")
	api.HandleFunc("/withdrawals/request", s.handleRequestWithdraw).Methods("POST")
	api.HandleFunc("/withdrawals", s.handleWithdraw).Methods("POST")

	api.HandleFunc("/orders", s.handlePlaceOrders).Methods("POST")
	api.HandleFunc("/orders/cancel", s.handleCancelOrders).Methods("POST")
	api.HandleFunc("/orders/reclaim", s.handleReclaim).Methods("POST")
	api.HandleFunc("/orders/replace", s.handleReplaceOrders).Methods("POST")

	api.HandleFunc("/orderbook/{mode}", s.handleGetOrderbook).Methods("GET")

	api.HandleFunc("/solutions", s.handleSubmitSolution).Methods("POST")
	api.HandleFunc("/solutions/latest", s.handleGetLatestSolution).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// EnableOperatorCredits serves POST /api/v1/admin/credits and
// GET /api/v1/accounts/{address}/holdings/{asset} to callers presenting token
// in the X-Operator-Token header.
func (s *Server) EnableOperatorCredits(token string) {
	admin := s.router.PathPrefix("/api/v1").Subrouter()
	admin.Use(operatorOnly(token))
	admin.HandleFunc("/admin/credits", s.handleCredit).Methods("POST")
	admin.HandleFunc("/accounts/{address}/holdings/{asset}", s.handleGetHolding).Methods("GET")
	s.log.Infow("operator_credits_enabled")
}

func operatorOnly(token string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get("X-Operator-Token")
			if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				respondError(w, http.StatusUnauthorized, "unauthorized", "operator token required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Handler returns the router wrapped with CORS.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Operator-Token"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start serves on addr until ctx is done.
func (s *Server) Start(ctx context.Context, addr string) error {
	go s.hub.Run(ctx)

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.log.Infow("api_listening", "addr", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, HealthResponse{Status: "ok", Batch: s.ex.Clock().Current()})
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.ex.Batch())
}

func (s *Server) handleGetTokens(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.ex.Tokens())
}

func (s *Server) handleRegisterToken(w http.ResponseWriter, r *http.Request) {
	var req RegisterTokenRequest
	if !s.decode(w, r, &req) {
		return
	}
	t, err := s.ex.RegisterToken(req.Caller, req.Ref)
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	respondJSON(w, t)
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	owner, ok := parseAddress(w, vars["address"])
	if !ok {
		return
	}
	id, err := strconv.ParseUint(vars["asset"], 10, 16)
	if err != nil {
		respondError(w, http.StatusBadRequest, "structural", "invalid asset id")
		return
	}
	respondJSON(w, s.ex.Balance(owner, asset.ID(id)))
}

func (s *Server) handleCredit(w http.ResponseWriter, r *http.Request) {
	var req CreditRequest
	if !s.decode(w, r, &req) {
		return
	}
	holding, err := s.ex.Credit(req.Owner, req.Asset, req.Amount)
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	s.log.Infow("operator_credit", "owner", req.Owner.Hex(), "asset", req.Asset, "amount", req.Amount.String())
	respondJSON(w, HoldingResponse{Owner: req.Owner, Asset: req.Asset, Holding: holding})
}

func (s *Server) handleGetHolding(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	owner, ok := parseAddress(w, vars["address"])
	if !ok {
		return
	}
	id, err := strconv.ParseUint(vars["asset"], 10, 16)
	if err != nil {
		respondError(w, http.StatusBadRequest, "structural", "invalid asset id")
		return
	}
	holding, err := s.ex.Holding(owner, asset.ID(id))
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	respondJSON(w, HoldingResponse{Owner: owner, Asset: asset.ID(id), Holding: holding})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Amount == nil {
		respondError(w, http.StatusBadRequest, "structural", "amount required")
		return
	}
	if err := s.ex.Deposit(req.Owner, req.Asset, req.Amount); err != nil {
		s.respondFailure(w, err)
		return
	}
	respondJSON(w, s.ex.Balance(req.Owner, req.Asset))
}

func (s *Server) handleRequestWithdraw(w http.ResponseWriter, r *http.Request) {
	var req WithdrawRequestRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Amount == nil {
		respondError(w, http.StatusBadRequest, "structural", "amount required")
		return
	}
	var err error
	if req.Batch != nil {
		err = s.ex.RequestFutureWithdraw(req.Owner, req.Asset, req.Amount, *req.Batch)
	} else {
		err = s.ex.RequestWithdraw(req.Owner, req.Asset, req.Amount)
	}
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	respondJSON(w, s.ex.Balance(req.Owner, req.Asset))
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req WithdrawRequest
	if !s.decode(w, r, &req) {
		return
	}
	paid, err := s.ex.Withdraw(req.Owner, req.Asset)
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	respondJSON(w, AmountResponse{Amount: paid})
}

func (s *Server) handlePlaceOrders(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrdersRequest
	if !s.decode(w, r, &req) {
		return
	}
	ids, err := s.ex.PlaceOrders(req.Owner, req.Orders)
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	respondJSON(w, OrderIDsResponse{IDs: ids})
}

func (s *Server) handleCancelOrders(w http.ResponseWriter, r *http.Request) {
	var req OrderIDsRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.ex.CancelOrders(req.Owner, req.IDs); err != nil {
		s.respondFailure(w, err)
		return
	}
	respondJSON(w, OrderIDsResponse{IDs: req.IDs})
}

func (s *Server) handleReclaim(w http.ResponseWriter, r *http.Request) {
	var req OrderIDsRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.ex.ReclaimStorage(req.Owner, req.IDs); err != nil {
		s.respondFailure(w, err)
		return
	}
	respondJSON(w, OrderIDsResponse{IDs: req.IDs})
}

func (s *Server) handleReplaceOrders(w http.ResponseWriter, r *http.Request) {
	var req ReplaceOrdersRequest
	if !s.decode(w, r, &req) {
		return
	}
	ids, err := s.ex.ReplaceOrders(req.Owner, req.Cancel, req.Orders)
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	respondJSON(w, OrderIDsResponse{IDs: ids})
}

func (s *Server) handleGetUserOrders(w http.ResponseWriter, r *http.Request) {
	owner, ok := parseAddress(w, mux.Vars(r)["address"])
	if !ok {
		return
	}
	offset, size, ok := parsePage(w, r)
	if !ok {
		return
	}
	mode := query.Open
	if m := r.URL.Query().Get("mode"); m != "" {
		var err error
		if mode, err = query.ParseMode(m); err != nil {
			respondError(w, http.StatusBadRequest, "structural", err.Error())
			return
		}
	}
	respondJSON(w, OrdersPage{Orders: packed(s.ex.UserOrders(mode, owner, offset, size))})
}

func (s *Server) handleGetOrderbook(w http.ResponseWriter, r *http.Request) {
	mode, err := query.ParseMode(mux.Vars(r)["mode"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "structural", err.Error())
		return
	}
	offset, size, ok := parsePage(w, r)
	if !ok {
		return
	}
	c := query.Cursor{Offset: offset, PageSize: size}
	if o := r.URL.Query().Get("owner"); o != "" {
		if c.LastOwner, ok = parseAddress(w, o); !ok {
			return
		}
	}
	page, next := s.ex.Users(mode, c)
	resp := OrdersPage{Orders: packed(page)}
	if page != nil {
		resp.Next = &next
	}
	respondJSON(w, resp)
}

func (s *Server) handleSubmitSolution(w http.ResponseWriter, r *http.Request) {
	var req SolutionRequest
	if !s.decode(w, r, &req) {
		return
	}
	sol, err := s.ex.SubmitSolution(req.submission())
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	respondJSON(w, sol)
}

func (s *Server) handleGetLatestSolution(w http.ResponseWriter, r *http.Request) {
	sol, ok := s.ex.LatestSolution()
	if !ok {
		respondError(w, http.StatusNotFound, "not_found", "no solution accepted yet")
		return
	}
	respondJSON(w, sol)
}

// ==============================
// Helper Functions
// ==============================

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.respondFailure(w, fmt.Errorf("%w: %v", errBadRequest, err))
		return false
	}
	return true
}

func (s *Server) respondFailure(w http.ResponseWriter, err error) {
	class, status := classify(err)
	if status == http.StatusInternalServerError {
		s.log.Errorw("request_failed", "err", err)
	}
	respondError(w, status, class, err.Error())
}

func parseAddress(w http.ResponseWriter, v string) (common.Address, bool) {
	if !common.IsHexAddress(v) {
		respondError(w, http.StatusBadRequest, "structural", "invalid address")
		return common.Address{}, false
	}
	return common.HexToAddress(v), true
}

func parsePage(w http.ResponseWriter, r *http.Request) (uint32, int, bool) {
	q := r.URL.Query()
	var offset uint64
	if v := q.Get("offset"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			respondError(w, http.StatusBadRequest, "structural", "invalid offset")
			return 0, 0, false
		}
		offset = n
	}
	size := defaultPageSize
	if v := q.Get("pageSize"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "structural", "invalid page size")
			return 0, 0, false
		}
		size = n
	}
	return uint32(offset), size, true
}

// packed turns a query page into its wire form; an absent page stays nil.
func packed(b []byte) *hexutil.Bytes {
	if b == nil {
		return nil
	}
	h := hexutil.Bytes(b)
	return &h
}

func respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, class string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   class,
		Message: message,
	})
}
