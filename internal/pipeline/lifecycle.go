package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/drblury/frameflow/internal/runtime/logging"
	"github.com/drblury/frameflow/transport"
)

// DefaultOutput names the output Start opens for Config.OutboundEndpoint.
const DefaultOutput = "default"

// Start opens the endpoints of the config: OutboundEndpoint becomes the
// output DefaultOutput and InboundEndpoint an input, which is returned and
// is nil when no inbound endpoint is configured. Metrics are served on
// MetricsPort when MetricsEnabled is set.
func (e *Engine) Start(ctx context.Context) (*Input, error) {
	cfg := e.rt.Config
	if cfg.MetricsEnabled && cfg.MetricsPort > 0 {
		if _, err := e.ServeMetrics(":" + strconv.Itoa(cfg.MetricsPort)); err != nil {
			return nil, err
		}
	}
	if cfg.OutboundEndpoint != "" {
		if err := e.AddOutput(ctx, DefaultOutput, cfg.OutboundEndpoint); err != nil {
			return nil, err
		}
	}
	if cfg.InboundEndpoint == "" {
		return nil, nil
	}
	return e.Receive(ctx, cfg.InboundEndpoint)
}

// ServeMetrics serves /metrics on addr until Shutdown and returns the
// address actually bound.
func (e *Engine) ServeMetrics(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("pipeline: metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", e.rt.Metrics.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	e.mu.Lock()
	if e.server != nil {
		e.mu.Unlock()
		_ = ln.Close()
		return nil, errors.New("pipeline: metrics are already served")
	}
	e.server = srv
	e.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.log.Error("Metrics server stopped", err, logging.LogFields{"address": ln.Addr().String()})
		}
	}()
	e.log.Info("Serving metrics", logging.LogFields{"address": ln.Addr().String()})
	return ln.Addr(), nil
}

// Shutdown signals the shutdown token: sends and new sockets fail with
// ErrClosed from then on. Queued messages drain for up to
// ShutdownGracePeriod or until ctx ends; whatever is left settles with
// ErrClosed. Sockets are then closed and every lease is released. Later
// calls return the first call's result.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.stopOnce.Do(func() {
		close(e.shutdown)
		e.log.Info("Shutting down", logging.LogFields{"grace_period": e.rt.Config.ShutdownGracePeriod})

		gctx, cancel := context.WithTimeout(ctx, e.rt.Config.ShutdownGracePeriod)
		defer cancel()
		errs := []error{e.rt.Queue.Close(gctx)}

		e.mu.Lock()
		outputs, inputs, srv := e.outputs, e.inputs, e.server
		e.outputs, e.inputs, e.server = make(map[string]*transport.Socket), nil, nil
		e.mu.Unlock()

		for name, sock := range outputs {
			if err := sock.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close output %s: %w", name, err))
			}
		}
		for _, in := range inputs {
			errs = append(errs, in.Close())
		}
		errs = append(errs, e.rt.Close(ctx))
		if srv != nil {
			errs = append(errs, srv.Close())
		}
		e.stopErr = errors.Join(errs...)
	})
	return e.stopErr
}
