package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/envkey/envkey-sub005/internal/auth"
)

// Stream delivers socket-clear instructions over Server-Sent Events.
// Transport bridges subscribe here and drop matching client connections.
func (a *API) Stream(w http.ResponseWriter, r *http.Request) {
	if a.hub == nil {
		http.Error(w, "streaming disabled", http.StatusServiceUnavailable)
		return
	}

	actor, ok := auth.ActorFromContext(r.Context())
	if !ok {
		writeUnauthorized(w, r)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch := a.hub.Subscribe(ctx)

	// Send an initial comment to establish the stream
	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	for inst := range ch {
		// Each subscriber sees only its own org's instructions.
		if inst.OrgID != actor.OrgID {
			continue
		}
		payload, err := json.Marshal(inst)
		if err != nil {
			continue
		}
		_, _ = w.Write([]byte("data: "))
		_, _ = w.Write(payload)
		_, _ = w.Write([]byte("\n\n"))
		flusher.Flush()
	}
}
