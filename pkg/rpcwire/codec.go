// Package rpcwire frames and parses JSON-RPC 2.0 messages independent of the
// transport that carries them. Message values are the go-sdk jsonrpc types so
// they can be handed to SDK code unchanged.
package rpcwire

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"

	"github.com/vikashloomba/mcp-hub-go/pkg/mcperr"
)

type (
	ID       = jsonrpc.ID
	Message  = jsonrpc.Message
	Request  = jsonrpc.Request
	Response = jsonrpc.Response
)

// Standard JSON-RPC error codes used by this module.
const (
	CodeParseError     int64 = -32700
	CodeInvalidRequest int64 = -32600
	CodeMethodNotFound int64 = -32601
	CodeInvalidParams  int64 = -32602
	CodeInternalError  int64 = -32603
	// CodeUnavailable is returned by the proxy when a requested feature is
	// switched off.
	CodeUnavailable int64 = -32001
)

// RPCError is the error object carried by a response.
type RPCError struct {
	Code    int64           `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Int64ID wraps n as a request id.
func Int64ID(n int64) ID {
	id, _ := jsonrpc.MakeID(float64(n))
	return id
}

// IDKey renders id as a comparable map key. Numeric and string ids never
// collide.
func IDKey(id ID) string {
	switch v := id.Raw().(type) {
	case int64:
		return fmt.Sprintf("n:%d", v)
	case string:
		return "s:" + v
	case nil:
		return ""
	default:
		return fmt.Sprintf("x:%v", v)
	}
}

// NewCall builds a request that expects a response.
func NewCall(id int64, method string, params any) (*Request, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Request{ID: Int64ID(id), Method: method, Params: raw}, nil
}

// NewNotification builds a request without an id.
func NewNotification(method string, params any) (*Request, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Request{Method: method, Params: raw}, nil
}

// NewResult builds a successful response to id.
func NewResult(id ID, result any) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("rpcwire: marshal result: %w", err)
	}
	return &Response{ID: id, Result: raw}, nil
}

func marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("rpcwire: marshal params: %w", err)
	}
	return raw, nil
}

// Encode serializes msg to its single-line wire form.
func Encode(msg Message) ([]byte, error) {
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return nil, mcperr.Protocol("encode", err)
	}
	return data, nil
}

// EncodeError serializes an error response. The SDK message types cannot
// carry an error code from outside the SDK, so the wire form is built here.
func EncodeError(id ID, code int64, message string) ([]byte, error) {
	wire := struct {
		JSONRPC string    `json:"jsonrpc"`
		ID      any       `json:"id"`
		Error   *RPCError `json:"error"`
	}{
		JSONRPC: "2.0",
		ID:      id.Raw(),
		Error:   &RPCError{Code: code, Message: message},
	}
	data, err := json.Marshal(wire)
	if err != nil {
		return nil, mcperr.Protocol("encode", err)
	}
	return data, nil
}

// Decode parses a single message. Failures are protocol errors wrapping
// mcperr.ErrMalformed.
func Decode(data []byte) (Message, error) {
	msg, err := jsonrpc.DecodeMessage(bytes.TrimSpace(data))
	if err != nil {
		return nil, mcperr.Protocol("decode", fmt.Errorf("%w: %v", mcperr.ErrMalformed, err))
	}
	return msg, nil
}

// DecodeBatch parses either a single message or a JSON array of messages.
// Malformed members are reported individually so one bad element does not
// hide the others.
func DecodeBatch(data []byte) ([]Message, []error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] != '[' {
		msg, err := Decode(trimmed)
		if err != nil {
			return nil, []error{err}
		}
		return []Message{msg}, nil
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(trimmed, &raws); err != nil {
		return nil, []error{mcperr.Protocol("decode", fmt.Errorf("%w: %v", mcperr.ErrMalformed, err))}
	}
	var (
		msgs []Message
		errs []error
	)
	for _, raw := range raws {
		msg, err := Decode(raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, errs
}

// ResponseError converts the error carried by resp into an *RPCError. It
// returns nil for successful responses.
func ResponseError(resp *Response) *RPCError {
	if resp == nil || resp.Error == nil {
		return nil
	}
	if rpcErr, ok := resp.Error.(*RPCError); ok {
		return rpcErr
	}
	out := &RPCError{Code: CodeInternalError, Message: resp.Error.Error()}
	if raw, err := json.Marshal(resp.Error); err == nil {
		var decoded RPCError
		if json.Unmarshal(raw, &decoded) == nil && decoded.Message != "" {
			out = &decoded
		}
	}
	return out
}
