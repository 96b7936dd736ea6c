package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// ParseError is the JSON-RPC 2.0 code for malformed JSON.
const ParseError int64 = -32700

// InvalidRequestError is the JSON-RPC 2.0 code for a structurally invalid
// request (missing "jsonrpc":"2.0", wrong shape, etc).
const InvalidRequestError int64 = -32600

// Batch is an ordered sequence of JSON-RPC messages decoded from a single
// POST body. A body may carry one object or a JSON array of objects; a
// Batch always preserves the original ordering.
type Batch []*Message

// DecodeBatch decodes a POST body into an ordered Batch. A body that is a
// single JSON object yields a one-element Batch; a body that is a JSON
// array yields one Message per array element, in order. Returns an error
// classified by ParseError (malformed JSON) or InvalidRequestError (valid
// JSON that isn't an object or array, or an element missing "jsonrpc":"2.0").
func DecodeBatch(data []byte, dir Direction) (Batch, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, &CodecError{Code: ParseError, Message: "empty body"}
	}
	if !json.Valid(trimmed) {
		return nil, &CodecError{Code: ParseError, Message: "malformed JSON"}
	}

	switch trimmed[0] {
	case '[':
		var raws []json.RawMessage
		if err := json.Unmarshal(trimmed, &raws); err != nil {
			return nil, &CodecError{Code: ParseError, Message: fmt.Sprintf("invalid batch JSON: %v", err)}
		}
		if len(raws) == 0 {
			return nil, &CodecError{Code: InvalidRequestError, Message: "empty batch"}
		}
		batch := make(Batch, 0, len(raws))
		for _, r := range raws {
			msg, err := wrapOrError(r, dir)
			if err != nil {
				return nil, err
			}
			batch = append(batch, msg)
		}
		return batch, nil
	case '{':
		msg, err := wrapOrError(trimmed, dir)
		if err != nil {
			return nil, err
		}
		return Batch{msg}, nil
	default:
		return nil, &CodecError{Code: InvalidRequestError, Message: "body must be a JSON object or array"}
	}
}

func wrapOrError(raw json.RawMessage, dir Direction) (*Message, error) {
	msg, err := WrapMessage(raw, dir)
	if err != nil {
		return nil, &CodecError{Code: InvalidRequestError, Message: err.Error()}
	}
	return msg, nil
}

// EncodeBatch renders an ordered sequence of JSON-RPC messages back to wire
// format. A single-element sequence is rendered as one JSON object (not
// wrapped in an array), matching the client's own framing expectations.
func EncodeBatch(msgs []jsonrpc.Message) ([]byte, error) {
	if len(msgs) == 1 {
		return EncodeMessage(msgs[0])
	}

	parts := make([]json.RawMessage, 0, len(msgs))
	for _, m := range msgs {
		raw, err := EncodeMessage(m)
		if err != nil {
			return nil, err
		}
		parts = append(parts, raw)
	}
	return json.Marshal(parts)
}

// CodecError reports a JSON-RPC-level decode failure, carrying the error
// code the transport should use when building the error envelope.
type CodecError struct {
	Code    int64
	Message string
}

func (e *CodecError) Error() string {
	return e.Message
}
