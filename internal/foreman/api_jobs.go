package foreman

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/hexops/foreman/internal/ci"
	"github.com/hexops/foreman/internal/errors"
	"github.com/hexops/foreman/internal/foreman/api"
	"github.com/hexops/foreman/internal/trace"
)

// requestJobToken is the job token of a request: the JOB-TOKEN header, else the token parameter.
func requestJobToken(r *http.Request) string {
	if token := r.Header.Get(api.HeaderJobToken); token != "" {
		return token
	}
	return r.URL.Query().Get("token")
}

// authenticateJob loads a job and checks the token presented for it. Only the job's own token
// is accepted; runner tokens are not job tokens and are forbidden like any other wrong token.
func (s *Server) authenticateJob(ctx context.Context, id int64, token string) (*Job, error) {
	if token == "" {
		return nil, errBadRequest(errTokenMissing)
	}
	job, err := s.store.JobByID(ctx, id)
	if err == ErrNotFound {
		return nil, errNotFound()
	}
	if err != nil {
		return nil, errors.Wrap(err, "JobByID")
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(job.Token)) != 1 {
		return nil, errForbidden()
	}
	return job, nil
}

// jobStatusError rejects a request against a job, reporting the job's status so the runner can
// reconcile.
func jobStatusError(job *Job, message string) *apiError {
	return newAPIError(http.StatusForbidden, message).with(api.HeaderJobStatus, string(job.Status))
}

// requireRunning rejects writes to jobs that are erased or no longer running.
func requireRunning(job *Job) error {
	if job.Erased() {
		return jobStatusError(job, "403 Forbidden - Job has been erased!")
	}
	if job.Status != ci.StatusRunning {
		return jobStatusError(job, "403 Forbidden - Job is not running")
	}
	return nil
}

// heartbeat writes updated_at of a running job only once the heartbeat threshold has elapsed.
func (s *Server) heartbeat(ctx context.Context, job *Job) error {
	if s.now().Sub(job.UpdatedAt) < s.Config.heartbeatThreshold() {
		return nil
	}
	return errors.Wrap(s.store.TouchJob(ctx, job), "TouchJob")
}

func (s *Server) httpServeUpdateJob(w http.ResponseWriter, r *http.Request, id int64) error {
	var req api.UpdateJobRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	ctx := r.Context()
	job, err := s.authenticateJob(ctx, id, req.Token)
	if err != nil {
		return err
	}
	if err := requireRunning(job); err != nil {
		return err
	}
	if req.Info != nil && job.RunnerID != nil {
		if runner, err := s.store.RunnerByID(ctx, *job.RunnerID); err == nil {
			if err := s.store.RunnerContacted(ctx, runner, clientIP(r), req.Info); err != nil {
				return errors.Wrap(err, "RunnerContacted")
			}
		}
	}

	status := ci.Status(req.State)
	switch status {
	case "", ci.StatusRunning:
		if err := s.heartbeat(ctx, job); err != nil {
			return err
		}
	case ci.StatusSuccess, ci.StatusFailed:
		if err := s.finishJob(ctx, job, status, &req); err != nil {
			return err
		}
	default:
		return errBadRequest("state does not have a valid value")
	}

	w.Header().Set(api.HeaderJobStatus, string(job.Status))
	return writeJSON(w, http.StatusOK, &api.UpdateJobResponse{ID: job.ID, Status: job.Status})
}

// finishJob moves a running job to a terminal status, then stores the inline trace if one was
// sent. The trace lock is held across both so a racing append or update fails instead of
// interleaving, and a rejected transition leaves the trace untouched.
func (s *Server) finishJob(ctx context.Context, job *Job, status ci.Status, req *api.UpdateJobRequest) error {
	if req.Trace != nil {
		unlock, ok := s.traces.TryLock(job.ID)
		if !ok {
			return errConflict().with(api.HeaderJobStatus, string(job.Status))
		}
		defer unlock()

		// Another update may have finished the job before we took the lock.
		current, err := s.store.JobByID(ctx, job.ID)
		if err != nil {
			return errors.Wrap(err, "JobByID")
		}
		*job = *current
		if err := requireRunning(job); err != nil {
			return err
		}
	}

	var reason ci.FailureReason
	if status == ci.StatusFailed {
		reason = ci.ParseFailureReason(req.FailureReason)
	}
	if err := s.store.TransitionJob(ctx, job, status, reason, req.ExitCode); err != nil {
		if errors.Is(err, ErrStale) {
			return errConflict()
		}
		return errors.Wrap(err, "TransitionJob")
	}

	if req.Trace != nil {
		data := []byte(*req.Trace)
		if err := s.traces.Buffer(job.ID).Replace(data); err != nil {
			return errors.Wrap(err, "Replace")
		}
		checksum := trace.Checksum(data)
		if req.Checksum != "" && req.Checksum != checksum {
			s.idLogf(jobLogID(job.ID), "trace checksum mismatch: runner %s, stored %s", req.Checksum, checksum)
		}
		if err := s.store.TraceUpdated(ctx, job.ID, int64(len(data)), checksum); err != nil {
			return errors.Wrap(err, "TraceUpdated")
		}
	}
	if reason != "" {
		s.idLogf(jobLogID(job.ID), "job %d %s: %s", job.ID, status, reason)
	} else {
		s.idLogf(jobLogID(job.ID), "job %d %s", job.ID, status)
	}
	return s.advancePipeline(ctx, job.PipelineID)
}
