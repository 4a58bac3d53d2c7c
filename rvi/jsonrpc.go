// Package rvi implements the JSON-RPC message shapes and service dispatch
// used to talk to an RVI (Remote Vehicle Interaction) node: the six
// /sota/* service endpoints that drive chunked image transfer through the
// transfer.Engine, and the RemoteServices bookkeeping used to route acks
// back to the backend.
package rvi

import (
	"fmt"
	"time"
)

// RpcRequest is the outbound JSON-RPC 2.0 envelope sent to an RVI node.
type RpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      uint64      `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

// NewRpcRequest builds an RpcRequest with the fixed "2.0" version.
func NewRpcRequest(id uint64, method string, params interface{}) RpcRequest {
	return RpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
}

// RpcOk is a successful JSON-RPC response.
type RpcOk struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      uint64      `json:"id"`
	Result  interface{} `json:"result,omitempty"`
}

// NewRpcOk builds a successful response carrying no result payload, which
// is all the /sota/* handlers ever return.
func NewRpcOk(id uint64) RpcOk {
	return RpcOk{JSONRPC: "2.0", ID: id}
}

// ErrorCode is a JSON-RPC error object per the spec at jsonrpc.org.
type ErrorCode struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data"`
}

// RpcErr is a failed JSON-RPC response. It implements error so handler code
// can return it directly.
type RpcErr struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      uint64    `json:"id"`
	Err     ErrorCode `json:"error"`
}

func (e RpcErr) Error() string {
	return fmt.Sprintf("rvi: %s: %s", e.Err.Message, e.Err.Data)
}

func newRpcErr(id uint64, code int, message, data string) RpcErr {
	return RpcErr{JSONRPC: "2.0", ID: id, Err: ErrorCode{Code: code, Message: message, Data: data}}
}

func NewInvalidRequest(id uint64, data string) RpcErr { return newRpcErr(id, -32600, "Invalid Request", data) }
func NewMethodNotFound(id uint64, data string) RpcErr { return newRpcErr(id, -32601, "Method not found", data) }
func NewParseError(data string) RpcErr                { return newRpcErr(0, -32700, "Parse error", data) }
func NewInvalidParams(id uint64, data string) RpcErr  { return newRpcErr(id, -32602, "Invalid params", data) }
func NewUnspecified(id uint64, data string) RpcErr    { return newRpcErr(id, -32100, "Couldn't handle request", data) }

// DownloadStarted notifies RVI that a new package download has begun.
type DownloadStarted struct {
	Device   string        `json:"device"`
	UpdateID string        `json:"update_id"`
	Services LocalServices `json:"services"`
}

// ChunkReceived acks receipt of one or more chunks for update_id.
type ChunkReceived struct {
	Device   string   `json:"device"`
	UpdateID string   `json:"update_id"`
	Chunks   []uint64 `json:"chunks"`
}

// RviMessage is RVI's generic "message" JSON-RPC method body: a named
// service plus a one-element parameter list and an expiry timeout.
type RviMessage struct {
	ServiceName string        `json:"service_name"`
	Parameters  []interface{} `json:"parameters"`
	Timeout     *int64        `json:"timeout,omitempty"`
}

// NewRviMessage wraps a single parameter for delivery to service, expiring
// expireInSeconds from now.
func NewRviMessage(service string, param interface{}, expireInSeconds int64) RviMessage {
	expires := time.Now().Add(time.Duration(expireInSeconds) * time.Second).Unix()
	return RviMessage{ServiceName: service, Parameters: []interface{}{param}, Timeout: &expires}
}
