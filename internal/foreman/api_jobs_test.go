package foreman

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/hexops/autogold/v2"
	"github.com/hexops/foreman/internal/ci"
	"github.com/hexops/foreman/internal/errors"
	"github.com/hexops/foreman/internal/foreman/api"
)

func TestUpdateJobSuccess(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := env.runningJob(ci.JobDefinition{Script: []string{"make"}})

	// Heartbeats keep the job running.
	status, err := env.runner.UpdateJob(ctx, job.ID, &api.UpdateJobRequest{Token: job.Token, State: "running"})
	if err != nil {
		t.Fatal(err)
	}
	autogold.Expect("running").Equal(t, status)

	exitCode := 0
	status, err = env.runner.UpdateJob(ctx, job.ID, &api.UpdateJobRequest{Token: job.Token, State: "success", ExitCode: &exitCode})
	if err != nil {
		t.Fatal(err)
	}
	autogold.Expect("success").Equal(t, status)

	got := env.job(job.ID)
	autogold.Expect("success").Equal(t, string(got.Status))
	if got.FinishedAt == nil {
		t.Fatal("expected finished_at")
	}

	// A finished job accepts no further updates.
	res := env.doJSON("PUT", fmt.Sprintf("/api/v4/jobs/%d", job.ID), &api.UpdateJobRequest{Token: job.Token, State: "failed"})
	autogold.Expect(http.StatusForbidden).Equal(t, res.code)
	autogold.Expect("success").Equal(t, res.header.Get(api.HeaderJobStatus))
	autogold.Expect("403 Forbidden - Job is not running").Equal(t, res.message())
}

func TestUpdateJobFailed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := env.runningJob(ci.JobDefinition{Script: []string{"make"}})

	exitCode := 2
	if _, err := env.runner.UpdateJob(ctx, job.ID, &api.UpdateJobRequest{
		Token:         job.Token,
		State:         "failed",
		FailureReason: "script_failure",
		ExitCode:      &exitCode,
	}); err != nil {
		t.Fatal(err)
	}
	stored, err := env.s.store.JobByID(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	autogold.Expect("failed").Equal(t, string(stored.Status))
	autogold.Expect("script_failure").Equal(t, string(stored.FailureReason))
	if stored.ExitCode == nil || *stored.ExitCode != 2 {
		t.Fatalf("unexpected exit code %v", stored.ExitCode)
	}
}

func TestUpdateJobUnknownFailureReason(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := env.runningJob(ci.JobDefinition{Script: []string{"make"}})

	if _, err := env.runner.UpdateJob(ctx, job.ID, &api.UpdateJobRequest{
		Token:         job.Token,
		State:         "failed",
		FailureReason: "what_is_this",
	}); err != nil {
		t.Fatal(err)
	}
	autogold.Expect("unknown_failure").Equal(t, string(env.job(job.ID).FailureReason))
}

func TestUpdateJobInlineTrace(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := env.runningJob(ci.JobDefinition{Script: []string{"make"}})

	trace := "Running with foreman\nJob succeeded\n"
	if _, err := env.runner.UpdateJob(ctx, job.ID, &api.UpdateJobRequest{Token: job.Token, State: "success", Trace: &trace}); err != nil {
		t.Fatal(err)
	}
	resp, err := env.admin.JobTrace(ctx, &api.JobRequestByID{ID: job.ID})
	if err != nil {
		t.Fatal(err)
	}
	autogold.Expect(trace).Equal(t, resp.Trace)
	autogold.Expect("success").Equal(t, string(resp.Status))
}

func TestUpdateJobErrors(t *testing.T) {
	env := newTestEnv(t)
	job := env.runningJob(ci.JobDefinition{Script: []string{"make"}})
	path := fmt.Sprintf("/api/v4/jobs/%d", job.ID)

	res := env.doJSON("PUT", path, &api.UpdateJobRequest{State: "success"})
	autogold.Expect(http.StatusBadRequest).Equal(t, res.code)
	autogold.Expect("400 Bad request - token is missing").Equal(t, res.message())

	res = env.doJSON("PUT", path, &api.UpdateJobRequest{Token: "glcbt-wrong", State: "success"})
	autogold.Expect(http.StatusForbidden).Equal(t, res.code)

	res = env.doJSON("PUT", "/api/v4/jobs/9999", &api.UpdateJobRequest{Token: job.Token, State: "success"})
	autogold.Expect(http.StatusNotFound).Equal(t, res.code)

	res = env.doJSON("PUT", path, &api.UpdateJobRequest{Token: job.Token, State: "sleeping"})
	autogold.Expect(http.StatusBadRequest).Equal(t, res.code)

	res = env.doJSON("POST", path, &api.UpdateJobRequest{Token: job.Token})
	autogold.Expect(http.StatusMethodNotAllowed).Equal(t, res.code)

	// The job is untouched by the rejected requests.
	autogold.Expect("running").Equal(t, string(env.job(job.ID).Status))
}

func TestUpdateJobCanceled(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := env.runningJob(ci.JobDefinition{Script: []string{"make"}})

	if _, err := env.admin.JobCancel(ctx, &api.JobRequestByID{ID: job.ID}); err != nil {
		t.Fatal(err)
	}
	res := env.doJSON("PUT", fmt.Sprintf("/api/v4/jobs/%d", job.ID), &api.UpdateJobRequest{Token: job.Token, State: "success"})
	autogold.Expect(http.StatusForbidden).Equal(t, res.code)
	autogold.Expect("canceled").Equal(t, res.header.Get(api.HeaderJobStatus))
}

func TestFinishJobRejectedKeepsTrace(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := env.runningJob(ci.JobDefinition{Script: []string{"make"}})
	if _, err := env.runner.PatchTrace(ctx, job.ID, job.Token, 0, []byte("BUILD")); err != nil {
		t.Fatal(err)
	}

	stored, err := env.s.store.JobByID(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	replaced := "replaced\n"
	err = env.s.finishJob(ctx, stored, ci.StatusPending, &api.UpdateJobRequest{Token: job.Token, Trace: &replaced})
	var apiErr *apiError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusConflict {
		t.Fatalf("expected a conflict, got %v", err)
	}

	resp, err := env.admin.JobTrace(ctx, &api.JobRequestByID{ID: job.ID})
	if err != nil {
		t.Fatal(err)
	}
	autogold.Expect("BUILD").Equal(t, resp.Trace)
	autogold.Expect("running").Equal(t, string(resp.Status))
}
