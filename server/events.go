package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/Shyp/rest"
	"github.com/treeline/backstop/notify"
)

// An EventHub fans one notify.Listener out to every connected event-stream
// client. Delivery is best effort: a slow client drops events and
// re-syncs by polling GET /v1/jobs/:id.
type EventHub struct {
	mu   sync.Mutex
	subs map[chan notify.Event]struct{}
}

// NewEventHub starts a hub consuming events from l.
func NewEventHub(l *notify.Listener) *EventHub {
	h := &EventHub{subs: make(map[chan notify.Event]struct{})}
	go func() {
		for e := range l.C {
			h.mu.Lock()
			for sub := range h.subs {
				select {
				case sub <- e:
				default:
				}
			}
			h.mu.Unlock()
		}
	}()
	return h
}

func (h *EventHub) subscribe() chan notify.Event {
	sub := make(chan notify.Event, 16)
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *EventHub) unsubscribe(sub chan notify.Event) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
}

// GET /v1/events
//
// A server-sent event stream of job progress and status transitions. Events
// are not guaranteed or ordered across reconnects.
func streamEvents(hub *EventHub) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hub == nil {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(&rest.Error{
				Title:    "Event stream unavailable, poll job records instead",
				ID:       "events_unavailable",
				Instance: r.URL.Path,
				Status:   http.StatusServiceUnavailable,
			})
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeServerError(w, r, fmt.Errorf("response writer does not support streaming"))
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		sub := hub.subscribe()
		defer hub.unsubscribe(sub)
		for {
			select {
			case <-r.Context().Done():
				return
			case e := <-sub:
				payload, err := json.Marshal(e)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: job\ndata: %s\n\n", payload)
				flusher.Flush()
			}
		}
	})
}
