package rpc

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"marketchain/core"
	nativecommon "marketchain/native/common"
	"marketchain/native/marketplace"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB

	// AuthTokenEnv names the environment variable holding the bearer token
	// required for mutating methods. An empty token disables auth.
	AuthTokenEnv = "MARKET_RPC_TOKEN"
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
	codeUnauthorized   = -32001
	codeRateLimited    = -32002

	codeMarketUnauthorized = -32031
	codeMarketInvalidState = -32032
	codeMarketOutOfStock   = -32033
	codeMarketUnderpaid    = -32034
	codeMarketNoFunds      = -32035
	codeMarketNotFound     = -32036
	codeMarketConflict     = -32037
	codeMarketPaused       = -32038
	codeMarketNotOnSale    = -32039
)

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      json.RawMessage   `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RateLimit configures the per-source request budget for mutating methods.
type RateLimit struct {
	PerMinute float64
	Burst     int
}

// Server exposes the node over JSON-RPC 2.0. Mutating methods require the
// bearer token and are rate limited per source address.
type Server struct {
	node      *core.Node
	logger    *slog.Logger
	authToken string

	limit    RateLimit
	mu       sync.Mutex
	visitors map[string]*rate.Limiter

	handlers map[string]handlerFunc
}

type handlerFunc func(*RPCRequest) (any, *RPCError)

// NewServer builds a server for the node. The auth token is read from the
// MARKET_RPC_TOKEN environment variable.
func NewServer(node *core.Node, logger *slog.Logger, limit RateLimit) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		node:      node,
		logger:    logger,
		authToken: strings.TrimSpace(os.Getenv(AuthTokenEnv)),
		limit:     limit,
		visitors:  make(map[string]*rate.Limiter),
	}
	s.handlers = map[string]handlerFunc{
		"market_createListing":     s.handleCreateListing,
		"market_updateListing":     s.handleUpdateListing,
		"market_deactivateListing": s.handleDeactivateListing,
		"market_rejectListing":     s.handleRejectListing,
		"market_getListing":        s.handleGetListing,
		"market_listListings":      s.handleListListings,
		"market_purchase":          s.handlePurchase,
		"market_ship":              s.handleShip,
		"market_receive":           s.handleReceive,
		"market_refund":            s.handleRefund,
		"market_getInvoice":        s.handleGetInvoice,
		"market_listInvoices":      s.handleListInvoices,
		"market_getBalance":        s.handleGetBalance,
		"admin_setPaused":          s.handleSetPaused,
	}
	return s
}

// Router builds the HTTP routing table: the JSON-RPC endpoint plus metrics
// and health probes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Post("/", s.handle)
	r.Get("/ws/events", s.handleEventsWS)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

// Start serves the router on addr, blocking until the listener fails.
func (s *Server) Start(addr string) error {
	s.logger.Info("starting JSON-RPC server", "addr", addr)
	return http.ListenAndServe(addr, s.Router())
}

func readOnlyMethod(method string) bool {
	switch method {
	case "market_getListing", "market_listListings", "market_getInvoice",
		"market_listInvoices", "market_getBalance":
		return true
	default:
		return false
	}
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	reqID := uuid.NewString()
	logger := s.logger.With("requestId", reqID)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "unable to read request body", nil)
		return
	}
	var req RPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON", nil)
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", nil)
		return
	}
	handler, ok := s.handlers[req.Method]
	if !ok {
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, "method not found", req.Method)
		return
	}

	if !readOnlyMethod(req.Method) {
		if authErr := s.requireAuth(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return
		}
		if !s.allow(clientIP(r)) {
			writeError(w, http.StatusTooManyRequests, req.ID, codeRateLimited, "rate limit exceeded", nil)
			return
		}
	}

	result, rpcErr := handler(&req)
	if rpcErr != nil {
		logger.Warn("rpc call rejected", "method", req.Method, "code", rpcErr.Code, "message", rpcErr.Message)
		writeError(w, httpStatusFor(rpcErr.Code), req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	logger.Info("rpc call served", "method", req.Method)
	writeResult(w, req.ID, result)
}

func (s *Server) requireAuth(r *http.Request) *RPCError {
	if s.authToken == "" {
		return nil
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return &RPCError{Code: codeUnauthorized, Message: "missing bearer token"}
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
		return &RPCError{Code: codeUnauthorized, Message: "invalid bearer token"}
	}
	return nil
}

func (s *Server) allow(source string) bool {
	if s.limit.PerMinute <= 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	limiter, ok := s.visitors[source]
	if !ok {
		burst := s.limit.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(s.limit.PerMinute/60.0), burst)
		s.visitors[source] = limiter
	}
	return limiter.Allow()
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func httpStatusFor(code int) int {
	switch code {
	case codeParseError, codeInvalidRequest, codeInvalidParams:
		return http.StatusBadRequest
	case codeUnauthorized, codeMarketUnauthorized:
		return http.StatusUnauthorized
	case codeMethodNotFound, codeMarketNotFound:
		return http.StatusNotFound
	case codeMarketConflict, codeMarketInvalidState, codeMarketOutOfStock,
		codeMarketUnderpaid, codeMarketNoFunds, codeMarketNotOnSale:
		return http.StatusConflict
	case codeRateLimited:
		return http.StatusTooManyRequests
	case codeMarketPaused:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// marketError translates engine failures into JSON-RPC error payloads,
// keeping the human-readable reason as data.
func marketError(err error) *RPCError {
	reason := err.Error()
	switch {
	case errors.Is(err, marketplace.ErrInvalidArgument):
		return &RPCError{Code: codeInvalidParams, Message: "invalid_params", Data: reason}
	case errors.Is(err, marketplace.ErrUnauthorized):
		return &RPCError{Code: codeMarketUnauthorized, Message: "unauthorized", Data: reason}
	case errors.Is(err, marketplace.ErrInvalidState):
		return &RPCError{Code: codeMarketInvalidState, Message: "invalid_state", Data: reason}
	case errors.Is(err, marketplace.ErrOutOfStock):
		return &RPCError{Code: codeMarketOutOfStock, Message: "out_of_stock", Data: reason}
	case errors.Is(err, marketplace.ErrInsufficientPayment):
		return &RPCError{Code: codeMarketUnderpaid, Message: "insufficient_payment", Data: reason}
	case errors.Is(err, marketplace.ErrInsufficientFunds):
		return &RPCError{Code: codeMarketNoFunds, Message: "insufficient_balance", Data: reason}
	case errors.Is(err, marketplace.ErrItemNotFound), errors.Is(err, marketplace.ErrInvoiceNotFound):
		return &RPCError{Code: codeMarketNotFound, Message: "not_found", Data: reason}
	case errors.Is(err, marketplace.ErrItemExists), errors.Is(err, marketplace.ErrInvoiceExists):
		return &RPCError{Code: codeMarketConflict, Message: "already_exists", Data: reason}
	case errors.Is(err, marketplace.ErrListingNotOnSale):
		return &RPCError{Code: codeMarketNotOnSale, Message: "not_on_sale", Data: reason}
	case errors.Is(err, nativecommon.ErrModulePaused):
		return &RPCError{Code: codeMarketPaused, Message: "paused", Data: reason}
	default:
		return &RPCError{Code: codeServerError, Message: "internal_error", Data: reason}
	}
}

func writeResult(w http.ResponseWriter, id json.RawMessage, result any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result})
}

func writeError(w http.ResponseWriter, status int, id json.RawMessage, code int, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(RPCResponse{
		JSONRPC: jsonRPCVersion,
		ID:      id,
		Error:   &RPCError{Code: code, Message: message, Data: data},
	})
}
