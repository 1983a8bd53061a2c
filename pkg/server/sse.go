package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/zypherlabs/zypher/pkg/agent"
	"github.com/zypherlabs/zypher/pkg/checkpoint"
	"github.com/zypherlabs/zypher/pkg/mcp"
	"github.com/zypherlabs/zypher/pkg/taskevent"
)

// streamTaskEvents writes the channel as SSE until it closes or the client
// disconnects. SSE ids are the bus event IDs so clients can resume with
// Last-Event-ID.
func (s *Server) streamTaskEvents(w http.ResponseWriter, r *http.Request, events <-chan *taskevent.Event) {
	flusher, ok := beginSSE(w)
	if !ok {
		return
	}

	for {
		select {
		case ev, open := <-events:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("encode task event", "type", ev.Type, "error", err)
				continue
			}
			writeSSE(w, ev.ID.String(), string(ev.Type), data)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// handleMCPEvents streams server-manager lifecycle events as SSE.
func (s *Server) handleMCPEvents(w http.ResponseWriter, r *http.Request) {
	events, cancel := s.agent.MCP().Events()
	defer cancel()

	flusher, ok := beginSSE(w)
	if !ok {
		return
	}

	for {
		select {
		case ev, open := <-events:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("encode manager event", "type", ev.Type, "error", err)
				continue
			}
			writeSSE(w, "", string(ev.Type), data)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func beginSSE(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return flusher, true
}

func writeSSE(w http.ResponseWriter, id, event string, data []byte) {
	if id != "" {
		fmt.Fprintf(w, "id: %s\n", id)
	}
	if event != "" {
		fmt.Fprintf(w, "event: %s\n", event)
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, agent.ErrTaskRunning):
		return http.StatusConflict
	case errors.Is(err, agent.ErrDisposed), errors.Is(err, mcp.ErrDisposed):
		return http.StatusGone
	case errors.Is(err, agent.ErrUnknownCheckpoint),
		errors.Is(err, mcp.ErrServerNotFound),
		errors.Is(err, checkpoint.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, mcp.ErrDuplicateServer):
		return http.StatusConflict
	case errors.Is(err, mcp.ErrInvalidServerID),
		errors.Is(err, mcp.ErrNotInErrorState):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
