package rpc

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"giftledger/core"
	"giftledger/core/identity"
	"giftledger/native/giftcard"
	"giftledger/native/token"
	"giftledger/observability"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000

	codeGiftCardInvalidParams = -32041
	codeGiftCardNotFound      = -32042
	codeGiftCardForbidden     = -32043
	codeGiftCardConflict      = -32044
)

// Server exposes node operations over JSON-RPC.
type Server struct {
	node      *core.Node
	authToken string
	logger    *slog.Logger
}

// NewServer wraps the node. An empty auth token disables every
// operator-authenticated method.
func NewServer(node *core.Node, authToken string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		node:      node,
		authToken: strings.TrimSpace(authToken),
		logger:    logger,
	}
}

// Router builds the HTTP mux: JSON-RPC at /, liveness at /healthz and
// Prometheus metrics at /metrics.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Post("/", s.handle)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// Start serves the router on addr and blocks.
func (s *Server) Start(addr string) error {
	s.logger.Info("starting JSON-RPC server", "addr", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return server.ListenAndServe()
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      int               `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	_ = json.NewEncoder(w).Encode(RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj})
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	_ = json.NewEncoder(w).Encode(RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result})
}

// writeEngineError maps domain sentinel errors onto JSON-RPC error codes and
// HTTP statuses.
func writeEngineError(w http.ResponseWriter, id interface{}, err error) {
	status := http.StatusInternalServerError
	code := codeServerError
	switch {
	case errors.Is(err, giftcard.ErrNotFound),
		errors.Is(err, identity.ErrUnknownEIN):
		status, code = http.StatusNotFound, codeGiftCardNotFound
	case errors.Is(err, giftcard.ErrNoIdentity),
		errors.Is(err, giftcard.ErrUnknownVendor),
		errors.Is(err, giftcard.ErrUnknownIdentity),
		errors.Is(err, identity.ErrNoIdentity):
		status, code = http.StatusNotFound, codeGiftCardNotFound
	case errors.Is(err, giftcard.ErrPermissionDenied),
		errors.Is(err, giftcard.ErrNotOwner),
		errors.Is(err, giftcard.ErrUnauthorized):
		status, code = http.StatusForbidden, codeGiftCardForbidden
	case errors.Is(err, giftcard.ErrInsufficientBalance),
		errors.Is(err, giftcard.ErrEmptyCard),
		errors.Is(err, giftcard.ErrExceedsAuthorized),
		errors.Is(err, giftcard.ErrNoOffers),
		errors.Is(err, token.ErrInsufficientBalance),
		errors.Is(err, token.ErrInsufficientAllowance):
		status, code = http.StatusConflict, codeGiftCardConflict
	case errors.Is(err, giftcard.ErrInvalidMemo),
		errors.Is(err, giftcard.ErrInvalidAmount),
		errors.Is(err, token.ErrInvalidAmount),
		errors.Is(err, identity.ErrInvalidDisplayName),
		errors.Is(err, identity.ErrDisplayNameTaken),
		errors.Is(err, identity.ErrAddressTaken):
		status, code = http.StatusBadRequest, codeGiftCardInvalidParams
	}
	writeError(w, status, id, code, err.Error(), nil)
}

func (s *Server) requireAuth(r *http.Request) *RPCError {
	if s.authToken == "" {
		return &RPCError{Code: codeUnauthorized, Message: "RPC authentication token not configured"}
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing Authorization header"}
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return &RPCError{Code: codeUnauthorized, Message: "Authorization header must use Bearer scheme"}
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing bearer token"}
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
		return &RPCError{Code: codeUnauthorized, Message: "invalid RPC credentials"}
	}
	return nil
}

// handle is the main request handler that routes to specific handlers.
// Signature-carrying methods need no bearer token: the signed capability
// itself is the authorization and anyone may relay it. Methods acting on a
// bare caller address are operator-only.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}

	recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	w = recorder

	switch req.Method {
	case "identity_register":
		if authErr := s.requireAuth(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			break
		}
		s.handleIdentityRegister(w, req)
	case "identity_associate":
		if authErr := s.requireAuth(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			break
		}
		s.handleIdentityAssociate(w, req)
	case "identity_resolve":
		s.handleIdentityResolve(w, req)
	case "identity_forAddress":
		s.handleIdentityForAddress(w, req)
	case "identity_depositBalance":
		s.handleIdentityDepositBalance(w, req)
	case "token_balance":
		s.handleTokenBalance(w, req)
	case "token_transfer":
		if authErr := s.requireAuth(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			break
		}
		s.handleTokenTransfer(w, req)
	case "token_approveAndCall":
		if authErr := s.requireAuth(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			break
		}
		s.handleTokenApproveAndCall(w, req)
	case "giftcard_setOffers":
		if authErr := s.requireAuth(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			break
		}
		s.handleGiftCardSetOffers(w, req)
	case "giftcard_offers":
		s.handleGiftCardOffers(w, req)
	case "giftcard_purchase":
		if authErr := s.requireAuth(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			break
		}
		s.handleGiftCardPurchase(w, req)
	case "giftcard_transfer":
		s.handleGiftCardTransfer(w, req)
	case "giftcard_redeem":
		s.handleGiftCardRedeem(w, req)
	case "giftcard_vendorRedeem":
		s.handleGiftCardVendorRedeem(w, req)
	case "giftcard_redeemAndCall":
		s.handleGiftCardRedeemAndCall(w, req)
	case "giftcard_refund":
		if authErr := s.requireAuth(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			break
		}
		s.handleGiftCardRefund(w, req)
	case "giftcard_get":
		s.handleGiftCardGet(w, req)
	case "giftcard_balance":
		s.handleGiftCardBalance(w, req)
	case "giftcard_details":
		s.handleGiftCardDetails(w, req)
	case "giftcard_customerCards":
		s.handleGiftCardCustomerCards(w, req)
	case "giftcard_events":
		s.handleGiftCardEvents(w, req)
	case "giftcard_exportEvents":
		if authErr := s.requireAuth(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			break
		}
		s.handleGiftCardExportEvents(w, req)
	case "giftcard_vault":
		s.handleGiftCardVault(w, req)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("method %q not found", req.Method), nil)
	}

	metrics := observability.RPCMetrics()
	if recorder.status >= 200 && recorder.status < 300 {
		metrics.ObserveSuccess(req.Method, time.Since(start))
	} else {
		metrics.ObserveError(req.Method, fmt.Sprintf("%d", recorder.status), time.Since(start))
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
