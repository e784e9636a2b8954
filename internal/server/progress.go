package server

import (
	"context"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/dejo1307/dbtlens/internal/logger"
)

type progressNotifier interface {
	NotifyProgress(ctx context.Context, params *mcp.ProgressNotificationParams) error
}

// withProgress runs fn. When the caller asked for progress, a notification
// carrying the elapsed seconds is sent every interval until fn returns.
func withProgress[T any](ctx context.Context, s *Server, req *mcp.CallToolRequest, fn func(context.Context) (T, error)) (T, error) {
	var (
		n     progressNotifier
		token any
	)
	if req != nil && req.Session != nil {
		n = req.Session
	}
	if req != nil && req.Params != nil {
		token = req.Params.GetProgressToken()
	}
	return runWithProgress(ctx, n, token, s.cfg.MCP.ProgressInterval, fn)
}

func runWithProgress[T any](ctx context.Context, n progressNotifier, token any, interval time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if n == nil || token == nil || interval <= 0 {
		return fn(ctx)
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		var progress float64
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				progress += interval.Seconds()
				err := n.NotifyProgress(ctx, &mcp.ProgressNotificationParams{
					ProgressToken: token,
					Progress:      progress,
					Message:       "still running",
				})
				if err != nil {
					logger.Debug("[server] progress notification failed: %v", err)
				}
			}
		}
	}()

	res, err := fn(ctx)
	close(done)
	wg.Wait()
	return res, err
}
