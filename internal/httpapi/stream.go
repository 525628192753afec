package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"certledger.org/internal/stream"
)

const keepAliveInterval = 25 * time.Second

// eventFilter narrows the stream by ?type=a,b and ?certificate_id=.
type eventFilter struct {
	types         map[string]bool
	certificateID string
}

func parseEventFilter(r *http.Request) eventFilter {
	f := eventFilter{certificateID: strings.TrimSpace(r.URL.Query().Get("certificate_id"))}
	for _, t := range strings.Split(r.URL.Query().Get("type"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			if f.types == nil {
				f.types = map[string]bool{}
			}
			f.types[t] = true
		}
	}
	return f
}

func (f eventFilter) match(evt stream.Event) bool {
	if f.types != nil && !f.types[evt.Type] {
		return false
	}
	return f.certificateID == "" || f.certificateID == evt.CertificateID
}

// Stream serves approval and anchoring events as Server-Sent Events until
// the client goes away.
func (a *API) Stream(w http.ResponseWriter, r *http.Request) {
	if a.stream == nil {
		writeError(w, r, http.StatusServiceUnavailable, "streaming disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	filter := parseEventFilter(r)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := a.stream.Subscribe(r.Context())
	_, _ = fmt.Fprint(w, ": stream started\n\n")
	flusher.Flush()

	ping := time.NewTicker(keepAliveInterval)
	defer ping.Stop()

	var seq uint64
	for {
		select {
		case evt, open := <-ch:
			if !open {
				return
			}
			if !filter.match(evt) {
				continue
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			seq++
			_, _ = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", seq, evt.Type, payload)
			flusher.Flush()
		case <-ping.C:
			_, _ = fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}
