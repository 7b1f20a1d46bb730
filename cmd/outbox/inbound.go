package main

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"outbox/pkg/federation"
)

// newInboundHandler acknowledges signed requests on path. Verification itself
// clears the sender's inboxes in the breaker; the payload is not processed here.
func newInboundHandler(verifier *federation.Verifier, path string, logger *zap.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(path, verifier.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		actor, _ := federation.ActorFromContext(r.Context())
		logger.Debug("Acknowledged inbound delivery", zap.String("actor", actor.URI))
		w.WriteHeader(http.StatusAccepted)
	})))
	return mux
}

func startInboundServer(addr string, handler http.Handler, logger *zap.Logger) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("Starting inbound listener", zap.String("address", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Inbound listener failed", zap.Error(err))
		}
	}()
	return server
}
