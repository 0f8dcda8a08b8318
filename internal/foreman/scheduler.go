package foreman

import (
	"context"
	"time"

	"github.com/hexops/foreman/internal/ci"
	"github.com/hexops/foreman/internal/errors"
	"github.com/robfig/cron/v3"
)

const schedulerLogID = "scheduler"

func (s *Server) schedulerStart() error {
	s.cron = cron.New()
	for spec, work := range map[string]func(ctx context.Context) error{
		orDefault(s.Config.Housekeeping.ExpiredArtifacts, "@every 1h"): s.removeExpiredArtifacts,
		orDefault(s.Config.Housekeeping.StuckJobs, "@every 5m"):        s.dropStuckJobs,
	} {
		work := work
		_, err := s.cron.AddFunc(spec, func() {
			if err := work(context.Background()); err != nil {
				s.idLogf(schedulerLogID, "housekeeping failed: %v", err)
			}
		})
		if err != nil {
			return errors.Wrapf(err, "schedule %q", spec)
		}
	}
	s.cron.Start()
	return nil
}

func (s *Server) schedulerStop() error {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	return nil
}

// removeExpiredArtifacts deletes artifacts past their expiry, except those kept by a locked
// pipeline.
func (s *Server) removeExpiredArtifacts(ctx context.Context) error {
	expired, err := s.store.ExpiredArtifacts(ctx, s.now())
	if err != nil {
		return errors.Wrap(err, "ExpiredArtifacts")
	}
	for _, a := range expired {
		if err := s.removeArtifactFile(ctx, a.FileKey, a.Remote); err != nil {
			s.idLogf(schedulerLogID, "failed to remove %s: %v", a.FileKey, err)
			continue
		}
		if err := s.store.DeleteArtifact(ctx, a.ID); err != nil {
			return errors.Wrap(err, "DeleteArtifact")
		}
	}
	if len(expired) > 0 {
		s.idLogf(schedulerLogID, "removed %d expired artifacts", len(expired))
	}
	return nil
}

// dropStuckJobs fails jobs that sat in the queue or went silent for too long.
func (s *Server) dropStuckJobs(ctx context.Context) error {
	now := s.now()
	pendingTimeout := durationOr(s.Config.Housekeeping.StuckPendingTimeout, 24*time.Hour)
	runningTimeout := durationOr(s.Config.Housekeeping.StuckRunningTimeout, time.Hour)

	var stuck []*Job
	pending, err := s.store.Jobs(ctx, JobsFilter{Status: ci.StatusPending})
	if err != nil {
		return errors.Wrap(err, "Jobs(pending)")
	}
	for _, job := range pending {
		if now.Sub(job.QueuedAt) > pendingTimeout {
			stuck = append(stuck, job)
		}
	}
	running, err := s.store.Jobs(ctx, JobsFilter{Status: ci.StatusRunning})
	if err != nil {
		return errors.Wrap(err, "Jobs(running)")
	}
	for _, job := range running {
		if now.Sub(job.UpdatedAt) > runningTimeout {
			stuck = append(stuck, job)
		}
	}

	for _, job := range stuck {
		err := s.dropJob(ctx, job, ci.FailureStuckOrTimeout)
		if err != nil && !errors.Is(err, ErrStale) {
			return err
		}
	}
	return nil
}
