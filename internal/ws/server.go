package ws

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 30 * time.Second

// StatusFunc reports process counters for the status endpoint
type StatusFunc func() any

// NewMux routes the overlay feed and a status endpoint
func NewMux(hub *Hub, status StatusFunc) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/overlay", hub)
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{
			"clients": hub.ClientCount(),
			"version": hub.state.Version(),
		}
		if status != nil {
			body["stats"] = status()
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(body); err != nil {
			hub.log.WithField("error", err.Error()).Warn("failed to write status")
		}
	})
	return mux
}

// Serve runs the overlay server until ctx is cancelled
func Serve(ctx context.Context, addr string, handler http.Handler, log *logrus.Entry) error {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", ln.Addr().String()).Info("overlay server listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithField("error", err.Error()).Error("overlay server shutdown failed")
		return err
	}
	log.Info("overlay server stopped")
	return nil
}
