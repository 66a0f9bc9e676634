package gateway

import (
	"fmt"
	"net/http"
)

func newRouter(a *app) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "ready")
	})

	mux.HandleFunc("/api/optimize/chat", a.optimizeChatHandler())
	mux.HandleFunc("/api/savings/summary", a.savingsSummaryHandler())
	mux.HandleFunc("/api/metrics/tokens", a.metricsTokensHandler())

	return mux
}
