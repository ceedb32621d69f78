// Package notify is the push channel that forwards job events to UI
// clients.
//
// Events ride on Postgres NOTIFY so the queue needs no broker beyond the
// database it already coordinates through. Delivery is best effort: publish
// failures are logged and swallowed, never surfaced to the job's own state,
// and clients that miss events fall back to polling the job record.
package notify

import (
	"encoding/json"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"github.com/treeline/backstop/models"
	"github.com/treeline/backstop/models/db"
)

// Channel is the Postgres notification channel job events are published on.
const Channel = "backstop_job_events"

// An Event describes one observable change to a job: a progress report or a
// status transition.
type Event struct {
	JobID    int64            `json:"job_id"`
	Queue    string           `json:"queue"`
	Type     string           `json:"type"`
	Status   models.JobStatus `json:"status"`
	Progress uint8            `json:"progress"`
	Message  string           `json:"message"`
}

// A Publisher forwards job events to subscribers. Publish must never block
// job progress and must never fail the caller.
type Publisher interface {
	Publish(e Event)
}

// PGPublisher publishes events with pg_notify on the shared connection.
type PGPublisher struct{}

// Publish sends the event. Errors are logged and dropped.
func (p *PGPublisher) Publish(e Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		log.Warn().Err(err).Int64("job_id", e.JobID).Msg("notify: could not encode event")
		return
	}
	if !db.Connected() {
		return
	}
	if _, err := db.Conn.Exec("SELECT pg_notify($1, $2)", Channel, string(payload)); err != nil {
		log.Warn().Err(err).Int64("job_id", e.JobID).Msg("notify: could not publish event")
	}
}

// discard is used when a Queue is constructed without a publisher.
type discard struct{}

func (discard) Publish(Event) {}

// Discard is a Publisher that drops every event.
var Discard Publisher = discard{}

// A Listener subscribes to the event channel. The server's event stream
// endpoint fans these out to connected UI clients.
type Listener struct {
	pql *pq.Listener
	C   chan Event
}

// NewListener connects to the database named by the connection string and
// starts listening. The underlying pq.Listener reconnects on its own;
// events sent while disconnected are lost, which clients tolerate by
// polling.
func NewListener(dsn string) (*Listener, error) {
	l := &Listener{C: make(chan Event, 64)}
	l.pql = pq.NewListener(dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Warn().Err(err).Msg("notify: listener connection event")
		}
	})
	if err := l.pql.Listen(Channel); err != nil {
		l.pql.Close()
		return nil, err
	}
	go l.run()
	return l, nil
}

func (l *Listener) run() {
	for n := range l.pql.Notify {
		if n == nil {
			// reconnect marker; clients re-sync by polling
			continue
		}
		var e Event
		if err := json.Unmarshal([]byte(n.Extra), &e); err != nil {
			log.Warn().Err(err).Msg("notify: could not decode event")
			continue
		}
		select {
		case l.C <- e:
		default:
			// slow consumer, drop rather than block the channel
		}
	}
	close(l.C)
}

// Close stops the listener and closes C.
func (l *Listener) Close() error {
	return l.pql.Close()
}
