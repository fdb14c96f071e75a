// Package webhookd is the HTTP receiver for upstream webhook deliveries.
// It authenticates each delivery with HMAC-SHA256 over the raw body, then
// hands the parsed event to the producer.
package webhookd

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/marcus/taskmirror/internal/engine"
	"github.com/marcus/taskmirror/internal/upstream"
)

// maxBodyBytes bounds a delivery body; trackers send small payloads.
const maxBodyBytes = 1 << 20

// Server receives webhook deliveries on POST /webhook.
type Server struct {
	http     *http.Server
	producer *engine.Producer

	secret         string
	viewerID       string
	completedLabel string
	sourceName     string
}

// New builds the receiver. viewerID scopes deliveries to issues assigned
// to the daemon's user; empty disables the check. sourceName attributes
// accepted events to a configured upstream source.
func New(addr, secret, viewerID, completedLabel, sourceName string, producer *engine.Producer) *Server {
	s := &Server{
		producer:       producer,
		secret:         secret,
		viewerID:       viewerID,
		completedLabel: completedLabel,
		sourceName:     sourceName,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook", s.handleDelivery)

	s.http = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return err
	}
	slog.Info("webhook receiver listening", "addr", s.http.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

func (s *Server) handleDelivery(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	if s.secret != "" {
		sig := r.Header.Get(upstream.SignatureHeader)
		if !upstream.VerifySignature(s.secret, body, sig) {
			slog.Warn("webhook signature mismatch", "remote", r.RemoteAddr)
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
	}

	payload, err := upstream.ParseWebhook(body)
	if err != nil {
		slog.Warn("malformed webhook body", "err", err)
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}

	ev := payload.Event(s.viewerID, s.completedLabel, time.Now().UTC())
	if ev == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	ev.SourceName = s.sourceName

	// Backpressure from a full queue holds the delivery; the tracker
	// retries on timeout, which is safe because events are idempotent.
	if err := s.producer.Handle(r.Context(), *ev); err != nil {
		slog.Error("webhook event rejected", "upstream_id", ev.UpstreamID, "err", err)
		http.Error(w, "event not accepted", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
