package streamable

import (
	"context"

	"github.com/hatago/gateway/pkg/mcp"
)

// NotificationSink receives a server-initiated message that relates to an
// in-flight request (identified by relatedRequestID, the raw JSON id bytes
// of the originating request) or, if relatedRequestID is nil, a message
// with no originating request at all.
type NotificationSink func(msg *mcp.Message, relatedRequestID []byte)

// Gateway is everything above the transport: session-aware dispatch of a
// single decoded request or notification. Requests block until a result or
// error is ready; any progress notifications produced while the request is
// in flight are delivered to sink before Handle returns. Implemented by
// the tool surface (C8), which in turn consults the limiter (C7) and
// router (C6).
//
// Handle returns (nil, nil) for notifications, which are ingested but
// produce no response.
type Gateway interface {
	Handle(ctx context.Context, sessionID string, msg *mcp.Message, sink NotificationSink) (*mcp.Message, error)
}
