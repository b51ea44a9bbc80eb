package app

import (
	"fmt"
	"net/http"
)

// startHealthcheckServer runs a minimal HTTP liveness endpoint. It is
// best-effort: a failure to bind is logged, not fatal, since the health
// server is an operational convenience around the real work.
func (a *App) startHealthcheckServer(port int) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	addr := fmt.Sprintf(":%d", port)
	a.logger.Info("Healthcheck server starting.", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		a.logger.Error("Healthcheck server stopped.", "error", err)
	}
}
