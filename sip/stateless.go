package sip

import (
	"context"
	"log/slog"
)

// StatelessResponse forwards a response received for a stateless-proxied
// request: the top Via (ours) is stripped and the response continues
// down the remaining stack. Responses with no stack left and
// provisionals below 101 are dropped. Failures are logged, never
// retried.
func (e *Engine) StatelessResponse(ctx context.Context, res *Response) {
	if res == nil || res.Status < 101 {
		return
	}
	if len(res.Via) < 2 {
		e.log.LogAttrs(ctx, slog.LevelDebug, "stateless response without via dropped",
			slog.Any("response", res))
		return
	}
	res = res.Clone()
	res.Via = res.Via[1:]
	if err := e.col.Transport.SendResponse(ctx, res, nil); err != nil {
		e.log.LogAttrs(ctx, slog.LevelWarn, "stateless response forward failed",
			slog.Any("response", res), slog.Any("error", err))
	}
}
