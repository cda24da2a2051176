// Package repl runs sandboxed Python execution handles and speaks the
// line-delimited JSON-RPC 2.0 protocol the bootstrap script serves.
package repl

import (
	"encoding/json"
	"fmt"

	"github.com/rand/rlmloop/internal/rlm/deferred"
	"github.com/rand/rlmloop/internal/rlm/signature"
)

const jsonrpcVersion = "2.0"

// Request is a JSON-RPC 2.0 request sent to the sandbox.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      int64           `json:"id"`
}

// Response is a JSON-RPC 2.0 response or notification from the sandbox.
// Notifications carry Method and no ID.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("sandbox error %d: %s", e.Code, e.Message)
}

// Error codes used by the sandbox.
const (
	CodeParse            = -32700
	CodeInvalidRequest   = -32600
	CodeMethodNotFound   = -32601
	CodeInvalidParams    = -32602
	CodeInternal         = -32603
	CodeExecution        = -32000
	CodeTimeout          = -32001
	CodeSandbox          = -32002
	CodeResource         = -32003
	CodeUnknownOperation = -32004
)

// ExecuteParams are the parameters of the execute method.
type ExecuteParams struct {
	Code          string `json:"code"`
	TimeoutMS     int64  `json:"timeout_ms,omitempty"`
	CaptureOutput bool   `json:"capture_output"`
}

// ExecuteResult is the envelope returned by execute.
type ExecuteResult struct {
	Success           bool                    `json:"success"`
	Result            json.RawMessage         `json:"result,omitempty"`
	Stdout            string                  `json:"stdout"`
	Stderr            string                  `json:"stderr"`
	Error             string                  `json:"error,omitempty"`
	ErrorType         string                  `json:"error_type,omitempty"`
	ExecutionTimeMS   float64                 `json:"execution_time_ms"`
	PendingOperations []string                `json:"pending_operations"`
	SubmitResult      *signature.SubmitResult `json:"submit_result,omitempty"`
}

// Error types reported in ExecuteResult.ErrorType that the host acts on.
const (
	ErrorTypePending          = "PendingOperationError"
	ErrorTypeSubmitValidation = "SubmitValidationError"
)

// BlockedOnPending reports whether the cell aborted because it touched an
// unresolved deferred result.
func (r *ExecuteResult) BlockedOnPending() bool {
	return r.ErrorType == ErrorTypePending
}

// VariableParams identify a namespace variable.
type VariableParams struct {
	Name  string `json:"name"`
	Value any    `json:"value,omitempty"`
}

// ResolveParams settle a deferred operation. Error set means failed.
type ResolveParams struct {
	OperationID string `json:"operation_id"`
	Result      any    `json:"result"`
	Error       string `json:"error,omitempty"`
}

// PendingResult is returned by pending_operations.
type PendingResult struct {
	Operations []deferred.Operation `json:"operations"`
}

// VariablesResult is returned by list_variables: name to Python type name.
type VariablesResult struct {
	Variables map[string]string `json:"variables"`
}

// StatusResult is returned by status.
type StatusResult struct {
	Ready               bool  `json:"ready"`
	PendingOperations   int   `json:"pending_operations"`
	VariablesCount      int   `json:"variables_count"`
	SignatureRegistered bool  `json:"signature_registered"`
	MemoryUsageBytes    int64 `json:"memory_usage_bytes"`
}

// SignatureParams register output fields.
type SignatureParams struct {
	OutputFields  []signature.FieldSpec `json:"output_fields"`
	SignatureName string                `json:"signature_name,omitempty"`
}

// SignatureResult is returned by register_signature and clear_signature.
type SignatureResult struct {
	Success             bool `json:"success"`
	SignatureRegistered bool `json:"signature_registered"`
	Replaced            bool `json:"replaced"`
	Cleared             bool `json:"cleared"`
}

type readyParams struct {
	Version string `json:"version"`
}

func encodeRequest(id int64, method string, params any) ([]byte, error) {
	req := Request{JSONRPC: jsonrpcVersion, Method: method, ID: id}
	if params != nil {
		p, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = p
	}
	b, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

func decodeResponse(data []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if resp.JSONRPC != jsonrpcVersion {
		return nil, fmt.Errorf("unexpected jsonrpc version %q", resp.JSONRPC)
	}
	return &resp, nil
}
