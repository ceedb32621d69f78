// Package server provides the HTTP interface for the job queue and the
// backup schedules.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/pprof"
	"regexp"
	"strconv"
	"strings"
	"time"

	dberror "github.com/Shyp/go-dberror"
	metrics "github.com/Shyp/go-simple-metrics"
	"github.com/Shyp/rest"
	"github.com/treeline/backstop/config"
	"github.com/treeline/backstop/models"
	"github.com/treeline/backstop/models/jobs"
	"github.com/treeline/backstop/models/schedules"
	"github.com/treeline/backstop/queue"
)

// The maximum payload size that can be sent in the body of a HTTP request.
const MaxEnqueuePayloadSize = 100 * 1024

// GET/POST /v1/jobs
var jobsRoute = regexp.MustCompile(`^/v1/jobs$`)

// GET /v1/jobs/123
var jobIDRoute = regexp.MustCompile(`^/v1/jobs/(?P<id>\d+)$`)

// POST /v1/jobs/123/cancel
var cancelRoute = regexp.MustCompile(`^/v1/jobs/(?P<id>\d+)/cancel$`)

// POST /v1/jobs/123/replay
var replayRoute = regexp.MustCompile(`^/v1/jobs/(?P<id>\d+)/replay$`)

// GET/POST /v1/schedules
var schedulesRoute = regexp.MustCompile(`^/v1/schedules$`)

// GET/PUT/DELETE /v1/schedules/123
var scheduleIDRoute = regexp.MustCompile(`^/v1/schedules/(?P<id>\d+)$`)

// GET /v1/events
var eventsRoute = regexp.MustCompile(`^/v1/events$`)

// Get returns a http.Handler with all routes initialized using the given
// Authorizer. hub may be nil, in which case the event stream endpoint
// reports itself unavailable and clients poll job records instead.
func Get(a Authorizer, q *queue.Queue, hub *EventHub) http.Handler {
	h := new(RegexpHandler)

	h.Handler(jobsRoute, []string{"GET", "POST"}, authHandler(handleJobs(q), a))
	h.Handler(jobIDRoute, []string{"GET"}, authHandler(getJob(q), a))
	h.Handler(cancelRoute, []string{"POST"}, authHandler(cancelJob(q), a))
	h.Handler(replayRoute, []string{"POST"}, authHandler(replayJob(q), a))

	h.Handler(schedulesRoute, []string{"GET", "POST"}, authHandler(handleSchedules(), a))
	h.Handler(scheduleIDRoute, []string{"GET", "PUT", "DELETE"}, authHandler(handleScheduleID(), a))

	h.Handler(eventsRoute, []string{"GET"}, authHandler(streamEvents(hub), a))

	h.Handler(regexp.MustCompile(`^/debug/pprof$`), []string{"GET"}, authHandler(http.HandlerFunc(pprof.Index), a))
	h.Handler(regexp.MustCompile(`^/debug/pprof/cmdline$`), []string{"GET"}, authHandler(http.HandlerFunc(pprof.Cmdline), a))
	h.Handler(regexp.MustCompile(`^/debug/pprof/profile$`), []string{"GET"}, authHandler(http.HandlerFunc(pprof.Profile), a))
	h.Handler(regexp.MustCompile(`^/debug/pprof/symbol$`), []string{"GET"}, authHandler(http.HandlerFunc(pprof.Symbol), a))
	h.Handler(regexp.MustCompile(`^/debug/pprof/trace$`), []string{"GET"}, authHandler(http.HandlerFunc(pprof.Trace), a))

	h.Handler(regexp.MustCompile(`^/$`), []string{"GET"}, authHandler(http.HandlerFunc(renderHomepage), a))

	return serverHeaderHandler(h)
}

func serverHeaderHandler(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/debug/pprof") {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		} else if r.URL.Path == "/" {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
		} else if eventsRoute.MatchString(r.URL.Path) {
			// the SSE handler sets its own content type
		} else {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
		}
		w.Header().Set("Server", fmt.Sprintf("backstop/%s", config.Version))
		h.ServeHTTP(w, r)
	})
}

func authHandler(h http.Handler, a Authorizer) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, token, ok := r.BasicAuth()
		if !ok {
			authenticate(w, new401(r))
			return
		}
		if err := a.Authorize(userID, token); err != nil {
			go metrics.Increment("auth.error")
			handleAuthorizeError(w, r, err)
			return
		}
		go metrics.Increment("auth.success")
		h.ServeHTTP(w, r)
	})
}

// pathID parses the first capturing group of route as an int64 id.
func pathID(route *regexp.Regexp, r *http.Request) (int64, bool) {
	match := route.FindStringSubmatch(r.URL.Path)
	if len(match) < 2 {
		return 0, false
	}
	id, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// An EnqueueJobRequest is sent in the body of a request to POST /v1/jobs.
type EnqueueJobRequest struct {
	Queue       string          `json:"queue"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	MaxAttempts uint8           `json:"max_attempts"`
}

// GET/POST disambiguator for /v1/jobs.
func handleJobs(q *queue.Queue) http.Handler {
	enqueue := enqueueJob(q)
	counts := getJobCounts()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "POST" {
			enqueue.ServeHTTP(w, r)
		} else {
			counts.ServeHTTP(w, r)
		}
	})
}

// POST /v1/jobs
//
// Enqueue a new job. This is the external write path into the job store;
// workers pick the job up on their next poll.
func enqueueJob(q *queue.Queue) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body == nil {
			badRequest(w, r, createEmptyErr("type", r.URL.Path))
			return
		}
		defer r.Body.Close()
		var ejr EnqueueJobRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxEnqueuePayloadSize)).Decode(&ejr); err != nil {
			badRequest(w, r, &rest.Error{
				ID:    "invalid_request",
				Title: "Invalid request: bad JSON. Double check the types of the fields you sent",
			})
			return
		}
		if ejr.Type == "" {
			badRequest(w, r, createEmptyErr("type", r.URL.Path))
			return
		}
		if ejr.Queue != "" && ejr.Queue != models.QueueDefault && ejr.Queue != models.QueuePrivileged {
			badRequest(w, r, &rest.Error{
				Title:    fmt.Sprintf("Unknown queue lane: %s", ejr.Queue),
				ID:       "invalid_parameter",
				Instance: r.URL.Path,
			})
			return
		}
		user, _, _ := r.BasicAuth()
		start := time.Now()
		job, err := q.Enqueue(ejr.Queue, ejr.Type, ejr.Payload, ejr.MaxAttempts, user)
		go metrics.Time("enqueue.latency", time.Since(start))
		if err != nil {
			switch terr := err.(type) {
			case *dberror.Error:
				badRequest(w, r, &rest.Error{
					Title:    terr.Message,
					ID:       "invalid_parameter",
					Instance: r.URL.Path,
				})
			default:
				writeServerError(w, r, err)
			}
			return
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(job)
	})
}

// GET /v1/jobs
//
// Summarize the queue: per-type counts for every status.
func getJobCounts() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		summary := make(map[string]map[string]int64)
		for _, status := range []models.JobStatus{
			models.StatusPending, models.StatusRunning, models.StatusCompleted,
			models.StatusFailed, models.StatusCancelled,
		} {
			counts, err := jobs.GetCountsByStatus(status)
			if err != nil {
				writeServerError(w, r, err)
				return
			}
			summary[string(status)] = counts
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(summary)
	})
}

// GET /v1/jobs/:id
//
// Fetch one job record. This doubles as the polling fallback for clients
// without a live event stream; progress and progress_message are always
// current here.
func getJob(q *queue.Queue) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(jobIDRoute, r)
		if !ok {
			notFound(w, new404(r))
			return
		}
		job, err := jobs.GetRetry(id, 3)
		if err == jobs.ErrNotFound {
			notFound(w, new404(r))
			go metrics.Increment("job.get.not_found")
			return
		}
		if err != nil {
			writeServerError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(job)
		go metrics.Increment("job.get.success")
	})
}

// POST /v1/jobs/:id/cancel
//
// Cancel a pending job. Running jobs cannot be cancelled over the API;
// their handlers exit cooperatively.
func cancelJob(q *queue.Queue) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(cancelRoute, r)
		if !ok {
			notFound(w, new404(r))
			return
		}
		err := q.Cancel(id)
		if err == jobs.ErrNotFound {
			notFound(w, new404(r))
			return
		}
		if err == jobs.ErrNotPending {
			badRequest(w, r, &rest.Error{
				Title:    "Only pending jobs can be cancelled",
				ID:       "invalid_cancel_attempt",
				Instance: r.URL.Path,
			})
			return
		}
		if err != nil {
			writeServerError(w, r, err)
			return
		}
		job, err := jobs.Get(id)
		if err != nil {
			writeServerError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(job)
		go metrics.Increment("job.cancel.success")
	})
}

// POST /v1/jobs/:id/replay
//
// Resubmit a failed job as a new pending record based on the original.
func replayJob(q *queue.Queue) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(replayRoute, r)
		if !ok {
			notFound(w, new404(r))
			return
		}
		job, err := q.Retry(id)
		switch err {
		case nil:
		case jobs.ErrNotFound:
			notFound(w, new404(r))
			go metrics.Increment("job.replay.not_found")
			return
		case jobs.ErrNotRetryable:
			badRequest(w, r, &rest.Error{
				Title:    "Only failed jobs can be replayed",
				ID:       "invalid_replay_attempt",
				Instance: r.URL.Path,
			})
			return
		case jobs.ErrRetriesExhausted:
			badRequest(w, r, &rest.Error{
				Title:    "Job has no retry attempts left",
				ID:       "retries_exhausted",
				Instance: r.URL.Path,
			})
			return
		default:
			writeServerError(w, r, err)
			go metrics.Increment("job.replay.error")
			return
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(job)
		go metrics.Increment("job.replay.success")
	})
}

// GET/POST disambiguator for /v1/schedules.
func handleSchedules() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "POST" {
			createSchedule(w, r)
		} else {
			listSchedules(w, r)
		}
	})
}

func listSchedules(w http.ResponseWriter, r *http.Request) {
	list, err := schedules.GetAll()
	if err != nil {
		writeServerError(w, r, err)
		return
	}
	if list == nil {
		list = []*models.BackupSchedule{}
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(list)
}

func createSchedule(w http.ResponseWriter, r *http.Request) {
	s, ok := decodeSchedule(w, r)
	if !ok {
		return
	}
	stored, err := schedules.Create(s)
	if err != nil {
		badRequest(w, r, &rest.Error{
			Title:    err.Error(),
			ID:       "invalid_schedule",
			Instance: r.URL.Path,
		})
		return
	}
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(stored)
	go metrics.Increment("schedule.create.success")
}

// GET/PUT/DELETE disambiguator for /v1/schedules/:id.
func handleScheduleID() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(scheduleIDRoute, r)
		if !ok {
			notFound(w, new404(r))
			return
		}
		switch r.Method {
		case "PUT":
			updateSchedule(w, r, id)
		case "DELETE":
			deleteSchedule(w, r, id)
		default:
			getSchedule(w, r, id)
		}
	})
}

func getSchedule(w http.ResponseWriter, r *http.Request, id int64) {
	s, err := schedules.Get(id)
	if err == schedules.ErrNotFound {
		notFound(w, new404(r))
		return
	}
	if err != nil {
		writeServerError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(s)
}

func updateSchedule(w http.ResponseWriter, r *http.Request, id int64) {
	s, ok := decodeSchedule(w, r)
	if !ok {
		return
	}
	s.ID = id
	stored, err := schedules.Update(s)
	if err == schedules.ErrNotFound {
		notFound(w, new404(r))
		return
	}
	if err != nil {
		badRequest(w, r, &rest.Error{
			Title:    err.Error(),
			ID:       "invalid_schedule",
			Instance: r.URL.Path,
		})
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(stored)
	go metrics.Increment("schedule.update.success")
}

func deleteSchedule(w http.ResponseWriter, r *http.Request, id int64) {
	err := schedules.Delete(id)
	if err == schedules.ErrNotFound {
		notFound(w, new404(r))
		return
	}
	if err != nil {
		writeServerError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
	go metrics.Increment("schedule.delete.success")
}

func decodeSchedule(w http.ResponseWriter, r *http.Request) (*models.BackupSchedule, bool) {
	if r.Body == nil {
		badRequest(w, r, createEmptyErr("type", r.URL.Path))
		return nil, false
	}
	defer r.Body.Close()
	s := new(models.BackupSchedule)
	if err := json.NewDecoder(r.Body).Decode(s); err != nil {
		badRequest(w, r, &rest.Error{
			ID:    "invalid_request",
			Title: "Invalid request: bad JSON. Double check the types of the fields you sent",
		})
		return nil, false
	}
	return s, true
}
