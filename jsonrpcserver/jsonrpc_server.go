// Package jsonrpcserver exposes functions like
// func Foo(context, Args) (Result, error)
// as JSON-RPC 2.0 methods over HTTP.
//
// Params may be positional (array) or, for single argument methods, named (object). Callers identify
// themselves with the x-exec-caller header and may bound a request with x-exec-timeout in milliseconds.
package jsonrpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
)

var (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeCustomError    = -32000
	CodeTimeout        = -32001
)

const (
	CallerHeader  = "x-exec-caller"
	TimeoutHeader = "x-exec-timeout"

	maxCallerLength = 255
	maxBodyBytes    = 1 << 20
	maxTimeout      = time.Minute
)

type callerKey struct{}

type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type JSONRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      any              `json:"id"`
	Result  *json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError    `json:"error,omitempty"`
}

type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    *any   `json:"data,omitempty"`
}

// CodedError lets a method choose the JSON-RPC error code of its failure.
type CodedError interface {
	error
	ErrorCode() int
}

type Handler struct {
	log     *zap.Logger
	methods map[string]methodHandler
}

type Methods map[string]interface{}

// NewHandler creates JSONRPC http.Handler from the map that maps method names to method functions
// each method function must:
// - have context as a first argument
// - return error as a last argument
// - have argument types that can be unmarshalled from JSON
// - have return types that can be marshalled to JSON
func NewHandler(log *zap.Logger, methods Methods) (*Handler, error) {
	m := make(map[string]methodHandler, len(methods))
	for name, fn := range methods {
		method, err := getMethodTypes(fn)
		if err != nil {
			return nil, errors.Join(errors.New(name), err)
		}
		m[name] = method
	}
	return &Handler{
		log:     log.Named("jsonrpc"),
		methods: m,
	}, nil
}

func writeJSONRPCError(w http.ResponseWriter, id any, code int, msg string) {
	res := JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &JSONRPCError{
			Code:    code,
			Message: msg,
		},
	}
	if err := json.NewEncoder(w).Encode(res); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}

func validID(id any) bool {
	switch id.(type) {
	case nil, string, float64:
		return true
	default:
		return false
	}
}

func errorCode(err error) int {
	var coded CodedError
	switch {
	case errors.As(err, &coded):
		return coded.ErrorCode()
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, ErrTooMuchArguments), errors.Is(err, ErrNamedParams), errors.Is(err, ErrInvalidParams):
		return CodeInvalidParams
	default:
		return CodeCustomError
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var req JSONRPCRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSONRPCError(w, nil, CodeParseError, err.Error())
		return
	}
	if req.JSONRPC != "2.0" {
		writeJSONRPCError(w, req.ID, CodeInvalidRequest, "invalid jsonrpc version")
		return
	}
	if !validID(req.ID) {
		writeJSONRPCError(w, nil, CodeInvalidRequest, "invalid id type")
		return
	}

	ctx := r.Context()
	caller := r.Header.Get(CallerHeader)
	if len(caller) > maxCallerLength {
		writeJSONRPCError(w, req.ID, CodeInvalidRequest, CallerHeader+" header is too long")
		return
	}
	ctx = context.WithValue(ctx, callerKey{}, caller)

	if v := r.Header.Get(TimeoutHeader); v != "" {
		ms, err := strconv.ParseUint(v, 10, 32)
		if err != nil || ms == 0 {
			writeJSONRPCError(w, req.ID, CodeInvalidRequest, "invalid "+TimeoutHeader+" header")
			return
		}
		timeout := time.Duration(ms) * time.Millisecond
		if timeout > maxTimeout {
			timeout = maxTimeout
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	method, ok := h.methods[req.Method]
	if !ok {
		writeJSONRPCError(w, req.ID, CodeMethodNotFound, "method not found")
		return
	}

	result, err := method.call(ctx, req.Params)
	if err != nil {
		h.log.Debug("Method failed", zap.String("method", req.Method), zap.String("caller", caller), zap.Error(err))
		writeJSONRPCError(w, req.ID, errorCode(err), err.Error())
		return
	}

	marshaledResult, err := json.Marshal(result)
	if err != nil {
		writeJSONRPCError(w, req.ID, CodeInternalError, err.Error())
		return
	}

	rawMessageResult := json.RawMessage(marshaledResult)
	res := JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result:  &rawMessageResult,
	}
	if err := json.NewEncoder(w).Encode(res); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}

// GetCaller returns the x-exec-caller identity of the request, empty when unset.
func GetCaller(ctx context.Context) string {
	value, ok := ctx.Value(callerKey{}).(string)
	if !ok {
		return ""
	}
	return value
}
