package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/unitrack/unitrack/internal/apperr"
	"github.com/unitrack/unitrack/internal/observe"
)

const defaultHeartbeat = 30 * time.Second

// handleSSE holds a server-sent-events stream open: a connected event on
// attach, then heartbeats until the client goes away.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := observe.TenantID(ctx)
	if tenantID == "" {
		s.writeError(w, r, apperr.New(apperr.KindUnauthorized, "missing %s header", observe.HeaderTenantID))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, r, apperr.New(apperr.KindUpstream5xx, "streaming unsupported by connection"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	s.metrics.ActiveSSE.Inc()
	defer s.metrics.ActiveSSE.Dec()

	payload, _ := json.Marshal(map[string]interface{}{
		"server":    "unitrack",
		"version":   s.version,
		"tenant":    tenantID,
		"timestamp": s.now().UTC().Format(time.RFC3339),
	})
	fmt.Fprintf(w, "event: connected\ndata: %s\n\n", payload)
	flusher.Flush()

	interval := s.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = defaultHeartbeat
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("sse client disconnected",
				zap.String("tenant", tenantID),
				zap.String("request_id", observe.RequestID(ctx)))
			return
		case t := <-ticker.C:
			fmt.Fprintf(w, "event: heartbeat\ndata: {\"timestamp\":%q}\n\n",
				t.UTC().Format(time.RFC3339))
			flusher.Flush()
		}
	}
}
