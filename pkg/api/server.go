package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/callmarket/pkg/app/core/account"
	"github.com/uhyunpark/callmarket/pkg/app/core/market"
	"github.com/uhyunpark/callmarket/pkg/app/core/order"
	"github.com/uhyunpark/callmarket/pkg/app/exchange"
	"github.com/uhyunpark/callmarket/pkg/util"
)

const defaultLimit = 50

// Server is the REST orchestrator in front of the exchange
type Server struct {
	ex      *exchange.Exchange
	router  *mux.Router
	origins []string
	log     *zap.Logger

	mu  sync.Mutex
	srv *http.Server
}

// NewServer creates a new API server
func NewServer(ex *exchange.Exchange, allowedOrigins []string, log *zap.Logger) *Server {
	s := &Server{
		ex:      ex,
		router:  mux.NewRouter(),
		origins: allowedOrigins,
		log:     util.OrNop(log),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Instrument endpoints
	api.HandleFunc("/instruments", s.handleListInstruments).Methods("GET")
	api.HandleFunc("/instruments", s.handleListInstrument).Methods("POST")
	api.HandleFunc("/instruments/{symbol}", s.handleGetInstrument).Methods("GET")
	api.HandleFunc("/instruments/{symbol}/status", s.handleSetStatus).Methods("POST")
	api.HandleFunc("/instruments/{symbol}/orderbook", s.handleGetOrderbook).Methods("GET")
	api.HandleFunc("/instruments/{symbol}/executions", s.handleGetExecutions).Methods("GET")

	// Account endpoints
	api.HandleFunc("/accounts", s.handleOpenAccount).Methods("POST")
	api.HandleFunc("/accounts/{name}", s.handleGetAccount).Methods("GET")
	api.HandleFunc("/accounts/{name}/fills", s.handleGetAccountFills).Methods("GET")

	// Trading
	api.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")
	api.HandleFunc("/purchases", s.handlePurchase).Methods("POST")

	// Rounds
	api.HandleFunc("/rounds", s.handleRunRound).Methods("POST")
	api.HandleFunc("/rounds", s.handleGetRounds).Methods("GET")
	api.HandleFunc("/rounds/last", s.handleGetLastRound).Methods("GET")
	api.HandleFunc("/status", s.handleStatus).Methods("GET")

	if m := s.ex.Metrics(); m != nil {
		s.router.Handle("/metrics", m.Handler()).Methods("GET")
	}
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the router wrapped in the CORS policy
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start serves until Shutdown is called
func (s *Server) Start(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	s.log.Info("api_server_starting", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// ==============================
// Instrument Handlers
// ==============================

func (s *Server) handleListInstruments(w http.ResponseWriter, r *http.Request) {
	instruments := s.ex.Directory().List()
	response := make([]InstrumentInfo, len(instruments))
	for i, inst := range instruments {
		response[i] = instrumentInfo(inst)
	}
	respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleListInstrument(w http.ResponseWriter, r *http.Request) {
	var req ListInstrumentRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.ex.ListInstrument(req.Symbol, req.Name, req.Price); err != nil {
		s.respondErr(w, err)
		return
	}
	inst, _ := s.ex.Directory().Get(req.Symbol)
	respondJSON(w, http.StatusCreated, instrumentInfo(inst))
}

func (s *Server) handleGetInstrument(w http.ResponseWriter, r *http.Request) {
	inst, err := s.ex.Directory().Get(mux.Vars(r)["symbol"])
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, instrumentInfo(inst))
}

func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	var req SetStatusRequest
	if !decode(w, r, &req) {
		return
	}
	var status market.Status
	switch strings.ToLower(req.Status) {
	case "active":
		status = market.Active
	case "halted":
		status = market.Halted
	default:
		respondError(w, http.StatusBadRequest, "invalid status", req.Status)
		return
	}

	symbol := mux.Vars(r)["symbol"]
	if err := s.ex.Directory().SetStatus(symbol, status); err != nil {
		s.respondErr(w, err)
		return
	}
	inst, _ := s.ex.Directory().Get(symbol)
	respondJSON(w, http.StatusOK, instrumentInfo(inst))
}

func (s *Server) handleGetOrderbook(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	if !s.ex.Directory().Exists(symbol) {
		s.respondErr(w, errors.Wrap(market.ErrUnknownInstrument, symbol))
		return
	}

	bids, asks := s.ex.Book().Levels(symbol)
	respondJSON(w, http.StatusOK, OrderbookSnapshot{
		Symbol:    symbol,
		Bids:      priceLevels(bids),
		Asks:      priceLevels(asks),
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *Server) handleGetExecutions(w http.ResponseWriter, r *http.Request) {
	j := s.ex.Journal()
	if j == nil {
		respondJSON(w, http.StatusOK, []FillInfo{})
		return
	}
	fills, err := j.RecentFills(mux.Vars(r)["symbol"], limitParam(r))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, fillInfos(fills))
}

// ==============================
// Account Handlers
// ==============================

func (s *Server) handleOpenAccount(w http.ResponseWriter, r *http.Request) {
	var req OpenAccountRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.ex.OpenAccount(req.Name, req.Cash); err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondAccount(w, http.StatusCreated, req.Name)
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	s.respondAccount(w, http.StatusOK, mux.Vars(r)["name"])
}

func (s *Server) respondAccount(w http.ResponseWriter, status int, name string) {
	view, err := s.ex.Accounts().Snapshot(name)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	equity, err := s.ex.Accounts().Equity(name)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, status, accountInfo(view, equity))
}

func (s *Server) handleGetAccountFills(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if _, err := s.ex.Accounts().Get(name); err != nil {
		s.respondErr(w, err)
		return
	}
	j := s.ex.Journal()
	if j == nil {
		respondJSON(w, http.StatusOK, []FillInfo{})
		return
	}
	fills, err := j.AccountFills(name, limitParam(r))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, fillInfos(fills))
}

// ==============================
// Trading Handlers
// ==============================

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req SubmitOrderRequest
	if !decode(w, r, &req) {
		return
	}
	side, err := order.ParseSide(req.Side)
	if err != nil {
		s.respondErr(w, err)
		return
	}

	o, err := s.ex.PlaceOrder(req.Account, order.Request{
		Symbol: req.Symbol,
		Side:   side,
		Size:   req.Size,
		Price:  req.Price,
		Market: req.Market,
	})
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, orderInfo(o))
}

func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	var req PurchaseRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.ex.BuyDirect(req.Account, req.Symbol, req.Volume); err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondAccount(w, http.StatusOK, req.Account)
}

// ==============================
// Round Handlers
// ==============================

func (s *Server) handleRunRound(w http.ResponseWriter, r *http.Request) {
	report, err := s.ex.RunRound(r.Context())
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, roundInfo(report))
}

func (s *Server) handleGetLastRound(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, roundInfo(s.ex.LastReport()))
}

func (s *Server) handleGetRounds(w http.ResponseWriter, r *http.Request) {
	j := s.ex.Journal()
	if j == nil {
		respondJSON(w, http.StatusOK, []JournalEntry{})
		return
	}
	records, err := j.RecentRounds(limitParam(r))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	response := make([]JournalEntry, len(records))
	for i, rec := range records {
		response[i] = JournalEntry{
			Round:          rec.Round,
			Symbol:         rec.Symbol,
			ClearingPrice:  rec.ClearingPrice,
			Tradable:       rec.Tradable,
			Volume:         rec.Volume,
			Fills:          rec.Fills,
			Failures:       failureInfos(rec.Failures),
			DirectoryError: rec.DirectoryError,
			RecordedAt:     rec.RecordedAt.UnixMilli(),
		}
	}
	respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, StatusInfo{
		Round:       s.ex.Book().Round(),
		Instruments: s.ex.Directory().Count(),
		Accounts:    s.ex.Accounts().Count(),
		Execution:   s.ex.Book().Config().Execution.String(),
		Time:        time.Now().UTC(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ==============================
// Helper Functions
// ==============================

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, account.ErrUnknownAccount),
		errors.Is(err, market.ErrUnknownInstrument):
		return http.StatusNotFound
	case errors.Is(err, account.ErrDuplicateAccount),
		errors.Is(err, market.ErrDuplicateInstrument),
		errors.Is(err, account.ErrDuplicateOrder),
		errors.Is(err, market.ErrInstrumentHalted):
		return http.StatusConflict
	case errors.Is(err, account.ErrInsufficientFunds),
		errors.Is(err, account.ErrInsufficientPosition),
		errors.Is(err, account.ErrNotOwned):
		return http.StatusUnprocessableEntity
	case errors.Is(err, account.ErrInvalidOrder),
		errors.Is(err, order.ErrInvalidSide),
		errors.Is(err, market.ErrInvalidPrice):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request_failed", zap.Error(err))
	}
	respondError(w, status, http.StatusText(status), err.Error())
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return false
	}
	return true
}

func limitParam(r *http.Request) int {
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 {
		return n
	}
	return defaultLimit
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	respondJSON(w, status, ErrorResponse{
		Error:   error,
		Message: message,
	})
}
