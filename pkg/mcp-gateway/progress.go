package mcpgateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-hub-go/pkg/mcpmgr"
)

type progressSink interface {
	NotifyProgress(context.Context, *mcp.ProgressNotificationParams) error
}

// progressForwarder relays upstream progress for one proxied call back to
// the downstream session, rewriting the token to the one the downstream
// client chose. It returns nil when the client did not ask for progress.
func progressForwarder(ctx context.Context, logger *slog.Logger, serverID string, sink progressSink, downstream any) mcpmgr.ProgressFunc {
	if sink == nil || downstream == nil {
		return nil
	}
	token, ok := normalizeProgressToken(downstream)
	if !ok {
		logger.Warn("mcpgateway: progress token unsupported", "server", serverID, "token", downstream)
		return nil
	}
	return func(p *mcp.ProgressNotificationParams) {
		if p == nil {
			return
		}
		out := *p
		out.ProgressToken = token
		if err := sink.NotifyProgress(ctx, &out); err != nil {
			logger.Debug("mcpgateway: forward progress", "server", serverID, "error", err)
		}
	}
}

// normalizeProgressToken maps a decoded token onto the string or integer
// forms the protocol allows.
func normalizeProgressToken(token any) (any, bool) {
	switch v := token.(type) {
	case nil:
		return nil, false
	case string:
		return v, true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, false
		}
		if math.Trunc(v) == v {
			return int64(v), true
		}
		return fmt.Sprintf("%g", v), true
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, true
		}
		return normalizeProgressToken(numberValue(v))
	default:
		return fmt.Sprintf("%v", v), true
	}
}

func numberValue(n json.Number) any {
	f, err := n.Float64()
	if err != nil {
		return n.String()
	}
	return f
}
