package feed

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"megagram/logging"
	"megagram/metrics"
)

const shutdownTimeout = 5 * time.Second

// NewMux routes the feed endpoints: /ws, /metrics and, when memLog is set,
// /debug/log.
func NewMux(hub *Hub, memLog *logging.MemoryLog) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	mux.Handle("/metrics", metrics.InstrumentHandler(metrics.Handler()))
	if memLog != nil {
		mux.Handle("/debug/log", metrics.InstrumentHandler(http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/plain; charset=utf-8")
				_, _ = w.Write(memLog.Bytes())
			})))
	}
	return mux
}

// NewServer returns an HTTP server for the feed endpoints on addr.
func NewServer(addr string, hub *Hub, memLog *logging.MemoryLog) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewMux(hub, memLog),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Serve runs srv until ctx is cancelled, then shuts it down.
func Serve(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		jww.INFO.Printf("[FEED] listening on %s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "feed server")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutdown feed server")
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "feed server")
	}
	return nil
}
