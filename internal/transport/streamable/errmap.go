package streamable

import (
	"github.com/hatago/gateway/internal/domain/mcperr"
)

// jsonrpcCodeFor maps a gateway error kind to the wire JSON-RPC error code,
// error-kind table.
func jsonrpcCodeFor(err error) int64 {
	switch mcperr.KindOf(err) {
	case mcperr.KindParse:
		return codeParseError
	case mcperr.KindInvalidRequest:
		return codeInvalidRequest
	case mcperr.KindMethodNotFound:
		return codeMethodNotFound
	case mcperr.KindInvalidParams:
		return codeInvalidParams
	case mcperr.KindSessionNotFound:
		return codeSessionNotFound
	case mcperr.KindTimeout, mcperr.KindCircuitOpen:
		return codeGeneric
	case mcperr.KindUpstream:
		var e *mcperr.Error
		if mcperr.As(err, &e) && e.Code != 0 {
			return e.Code
		}
		return codeGeneric
	default:
		return codeInternalError
	}
}
