// Package healthz serves liveness and readiness endpoints.
package healthz

import "net/http"

type Handler struct {
	ready func() bool
}

// New returns a handler that always reports healthy.
func New() *Handler {
	return &Handler{}
}

// NewReadiness returns a handler that reports healthy only once ready returns
// true.
func NewReadiness(ready func() bool) *Handler {
	return &Handler{ready: ready}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil && !h.ready() {
		http.Error(w, "503 Not Ready", http.StatusServiceUnavailable)
		return
	}
	w.Write([]byte("200 OK"))
}
