package foreman

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hexops/foreman/internal/ci"
	"github.com/hexops/foreman/internal/errors"
	"github.com/hexops/foreman/internal/foreman/api"
	"github.com/hexops/foreman/internal/trace"
)

// Trace update intervals in seconds suggested to runners.
const (
	traceIntervalWatched = 3
	traceIntervalDefault = 30
)

// traceWatchWindow is how long a trace counts as watched after a viewer read it.
const traceWatchWindow = time.Minute

// parseRangeStart returns the start offset of a "start-end" Content-Range value.
func parseRangeStart(v string) (int64, bool) {
	v = strings.TrimPrefix(strings.TrimSpace(v), "bytes ")
	start, _, ok := strings.Cut(v, "-")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(start), 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// watchTrace marks a job's trace as being watched by a live viewer.
func (s *Server) watchTrace(ctx context.Context, jobID int64) error {
	return errors.Wrap(s.store.TraceWatched(ctx, jobID, s.now().Add(traceWatchWindow)), "TraceWatched")
}

// traceInterval is the X-GitLab-Trace-Update-Interval value for a job.
func (s *Server) traceInterval(ctx context.Context, jobID int64) (int, error) {
	info, err := s.store.TraceInfo(ctx, jobID)
	if err != nil {
		return 0, errors.Wrap(err, "TraceInfo")
	}
	if info.WatchedUntil != nil && info.WatchedUntil.After(s.now()) {
		return traceIntervalWatched, nil
	}
	return traceIntervalDefault, nil
}

func (s *Server) httpServeAppendTrace(w http.ResponseWriter, r *http.Request, id int64) error {
	ctx := r.Context()
	job, err := s.authenticateJob(ctx, id, requestJobToken(r))
	if err != nil {
		return err
	}
	if err := requireRunning(job); err != nil {
		return err
	}
	contentRange := r.Header.Get("Content-Range")
	if contentRange == "" {
		return errBadRequest("400 Bad request - Missing header Content-Range")
	}
	start, ok := parseRangeStart(contentRange)
	if !ok {
		return errBadRequest("400 Bad request - Content-Range is invalid")
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return errors.Wrap(err, "ReadAll")
	}

	unlock, ok := s.traces.TryLock(job.ID)
	if !ok {
		return errConflict().with(api.HeaderJobStatus, string(job.Status))
	}
	defer unlock()

	buf := s.traces.Buffer(job.ID)
	if limit := s.Config.MaxTraceSize; limit > 0 && start+int64(len(data)) > limit {
		length, err := buf.Len()
		if err != nil {
			return errors.Wrap(err, "Len")
		}
		if start == length {
			if err := s.dropJob(ctx, job, ci.FailureTraceSizeExceeded); err != nil && !errors.Is(err, ErrStale) {
				return err
			}
			return jobStatusError(job, "403 Forbidden - The trace is too large")
		}
	}

	result, err := buf.AppendAt(start, data)
	var rangeErr *trace.RangeError
	if errors.As(err, &rangeErr) {
		return newAPIError(http.StatusRequestedRangeNotSatisfiable, "416 Range Not Satisfiable").
			with("Range", rangeErr.Header()).
			with(api.HeaderJobStatus, string(job.Status))
	}
	if err != nil {
		return errors.Wrap(err, "AppendAt")
	}

	if result.Changed {
		checksum, err := buf.Checksum()
		if err != nil {
			return errors.Wrap(err, "Checksum")
		}
		if err := s.store.TraceUpdated(ctx, job.ID, result.Length, checksum); err != nil {
			return errors.Wrap(err, "TraceUpdated")
		}
		if err := s.heartbeat(ctx, job); err != nil {
			return err
		}
	}

	w.Header().Set(api.HeaderJobStatus, string(job.Status))
	w.Header().Set("Range", trace.RangeHeader(result.Length))
	if !s.Config.DisableTraceUpdateInterval {
		interval, err := s.traceInterval(ctx, job.ID)
		if err != nil {
			return err
		}
		w.Header().Set(api.HeaderTraceUpdateInterval, strconv.Itoa(interval))
	}
	w.WriteHeader(http.StatusAccepted)
	return nil
}
