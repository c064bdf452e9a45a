package router

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	logx "tabrotate/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

// slowRequest promotes a successful request log line from debug to info.
const slowRequest = 750 * time.Millisecond

// guarded runs h under timeout (none when <= 0), turns a panic into an
// error and writes one log line per request.
func (r *Router) guarded(h HandlerFunc, timeout time.Duration) HandlerFunc {
	return func(ctx context.Context, req *Request) (err error) {
		log := req.Logger
		if log.IsZero() {
			log = r.log
		}
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		start := time.Now()
		defer func() {
			if p := recover(); p != nil {
				log.Error("telegram handler panicked", logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
				err = fmt.Errorf("internal error: %v", p)
			}
			logRequest(log, req, time.Since(start), err)
		}()
		return h(ctx, req)
	}
}

func logRequest(log logx.Logger, req *Request, took time.Duration, err error) {
	fields := []logx.Field{
		logx.String("kind", string(req.Update.Kind)),
		logx.Int("args", len(req.Args)),
		logx.Duration("took", took),
	}
	if req.Payload != "" {
		fields = append(fields, logx.String("button", req.Payload))
	}
	switch {
	case err != nil:
		log.Warn("telegram request failed", append(fields, logx.Err(err))...)
	case took >= slowRequest:
		log.Info("telegram request slow", fields...)
	default:
		log.Debug("telegram request", fields...)
	}
}
