package foreman

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"testing"

	"github.com/hexops/autogold/v2"
	"github.com/hexops/foreman/internal/ci"
	"github.com/hexops/foreman/internal/foreman/api"
)

func TestAdminAuth(t *testing.T) {
	env := newTestEnv(t)
	res := env.doJSON("POST", "/api/admin/runners/list", &api.RunnerListRequest{})
	autogold.Expect(http.StatusUnauthorized).Equal(t, res.code)

	wrong := &api.Client{URL: env.ts.URL, Secret: "wrong"}
	if _, err := wrong.RunnerList(context.Background(), &api.RunnerListRequest{}); err == nil {
		t.Fatal("expected an error")
	}
}

func TestAdminProjects(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.admin.ProjectUpsert(ctx, &api.ProjectUpsertRequest{Path: "missing/app"}); err == nil {
		t.Fatal("expected an error for a missing namespace")
	}
	project := env.project("group/sub/app")
	if !strings.HasPrefix(project.RunnersToken, "GR1348941") {
		t.Fatalf("unexpected runners token %q", project.RunnersToken)
	}
	autogold.Expect(true).Equal(t, project.SharedRunnersEnabled)

	// Upserting again keeps the token and applies only the fields set.
	timeout := 600
	updated, err := env.admin.ProjectUpsert(ctx, &api.ProjectUpsertRequest{Path: "group/sub/app", BuildTimeout: &timeout})
	if err != nil {
		t.Fatal(err)
	}
	autogold.Expect(project.RunnersToken).Equal(t, updated.Project.RunnersToken)
	autogold.Expect(600).Equal(t, updated.Project.BuildTimeout)
	autogold.Expect(true).Equal(t, updated.Project.SharedRunnersEnabled)

	if _, err := env.admin.ProjectUpsert(ctx, &api.ProjectUpsertRequest{Path: "group/sub/app", ProtectedRefs: &[]string{"release/[a-"}}); err == nil {
		t.Fatal("expected an error for an invalid pattern")
	}
}

func TestAdminVariables(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.project("group/app")
	runner := env.registerRunner(testRegistrationToken)

	for _, v := range []api.Variable{
		{Key: "GREETING", Value: "hello"},
		{Key: "DEPLOY_KEY", Value: "s3cr3t-deploy-key", Protected: true, Masked: true},
	} {
		if _, err := env.admin.VariablesUpsert(ctx, &api.VariablesUpsertRequest{Project: "group/app", Variable: v}); err != nil {
			t.Fatal(err)
		}
	}
	list, err := env.admin.VariablesList(ctx, &api.VariablesListRequest{Project: "group/app"})
	if err != nil {
		t.Fatal(err)
	}
	autogold.Expect([]string{"DEPLOY_KEY", "GREETING"}).Equal(t, list.Keys)

	// Protected variables stay out of jobs on unprotected refs.
	env.pipeline("group/app", map[string]ci.JobDefinition{"build": {Script: []string{"make"}}})
	job := env.claim(runner.Token)
	if v, _ := job.Variables.Lookup("GREETING"); v != "hello" {
		t.Fatalf("unexpected GREETING %q", v)
	}
	if _, ok := job.Variables.Lookup("DEPLOY_KEY"); ok {
		t.Fatal("protected variable delivered to an unprotected ref")
	}

	if _, err := env.admin.VariablesDelete(ctx, &api.VariablesDeleteRequest{Project: "group/app", Key: "GREETING"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.admin.VariablesDelete(ctx, &api.VariablesDeleteRequest{Project: "group/app", Key: "GREETING"}); err == nil {
		t.Fatal("expected an error deleting a missing variable")
	}
	list, err = env.admin.VariablesList(ctx, &api.VariablesListRequest{Project: "group/app"})
	if err != nil {
		t.Fatal(err)
	}
	autogold.Expect([]string{"DEPLOY_KEY"}).Equal(t, list.Keys)
}

func TestAdminPipelineCreateInvalid(t *testing.T) {
	env := newTestEnv(t)
	env.project("group/app")
	_, err := env.admin.PipelineCreate(context.Background(), &api.PipelineCreateRequest{Pipeline: ci.PipelineDefinition{
		Project: "group/app",
		Ref:     "main",
		SHA:     "2293ada6b400935a1378653304eaf6221e0fdb8f",
	}})
	if err == nil {
		t.Fatal("expected an error for a pipeline without jobs")
	}
	_, err = env.admin.PipelineCreate(context.Background(), &api.PipelineCreateRequest{Pipeline: ci.PipelineDefinition{
		Project: "group/missing",
		Ref:     "main",
		SHA:     "2293ada6b400935a1378653304eaf6221e0fdb8f",
		Jobs:    map[string]ci.JobDefinition{"build": {Script: []string{"make"}}},
	}})
	if err == nil {
		t.Fatal("expected an error for a missing project")
	}
}

func TestAdminJobCancel(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := env.runningJob(ci.JobDefinition{Script: []string{"make"}})

	resp, err := env.admin.JobCancel(ctx, &api.JobRequestByID{ID: job.ID})
	if err != nil {
		t.Fatal(err)
	}
	autogold.Expect("canceled").Equal(t, string(resp.Job.Status))

	// The runner learns about it from its next trace append.
	result, err := env.runner.PatchTrace(ctx, job.ID, job.Token, 0, []byte("BUILD"))
	if err == nil {
		t.Fatalf("expected the append to be rejected, got %+v", result)
	}
	if _, err := env.admin.JobCancel(ctx, &api.JobRequestByID{ID: job.ID}); err == nil {
		t.Fatal("expected an error canceling a finished job")
	}
	if _, err := env.admin.JobCancel(ctx, &api.JobRequestByID{ID: 9999}); err == nil {
		t.Fatal("expected an error canceling a missing job")
	}
}

func TestAdminJobErase(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := env.runningJob(ci.JobDefinition{Script: []string{"make"}})

	if _, err := env.admin.JobErase(ctx, &api.JobRequestByID{ID: job.ID}); err == nil {
		t.Fatal("expected an error erasing a running job")
	}
	if _, err := env.runner.PatchTrace(ctx, job.ID, job.Token, 0, []byte("BUILD")); err != nil {
		t.Fatal(err)
	}
	if err := env.runner.UploadArtifact(ctx, job.ID, job.Token, &api.ArtifactUpload{
		Type:     "archive",
		Format:   "zip",
		Filename: "artifacts.zip",
		Body:     strings.NewReader(string(testZip(t, "out", "binary"))),
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.runner.UpdateJob(ctx, job.ID, &api.UpdateJobRequest{Token: job.Token, State: "success"}); err != nil {
		t.Fatal(err)
	}

	resp, err := env.admin.JobErase(ctx, &api.JobRequestByID{ID: job.ID})
	if err != nil {
		t.Fatal(err)
	}
	autogold.Expect(true).Equal(t, resp.Job.Erased)
	autogold.Expect(0).Equal(t, len(resp.Job.Artifacts))

	trace, err := env.admin.JobTrace(ctx, &api.JobRequestByID{ID: job.ID})
	if err != nil {
		t.Fatal(err)
	}
	autogold.Expect("").Equal(t, trace.Trace)

	res := env.do("GET", "/api/v4/jobs/"+strconv.FormatInt(job.ID, 10)+"/artifacts", jobTokenHeader(job.Token), nil)
	autogold.Expect(http.StatusNotFound).Equal(t, res.code)

	if _, err := env.admin.JobErase(ctx, &api.JobRequestByID{ID: job.ID}); err == nil {
		t.Fatal("expected an error erasing twice")
	}
}

func TestAdminJobRetry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.project("group/app")
	runner := env.registerRunner(testRegistrationToken)
	env.pipeline("group/app", map[string]ci.JobDefinition{"build": {Script: []string{"make"}}})
	job := env.claim(runner.Token)

	if _, err := env.admin.JobRetry(ctx, &api.JobRequestByID{ID: job.ID}); err == nil {
		t.Fatal("expected an error retrying a running job")
	}
	if _, err := env.runner.UpdateJob(ctx, job.ID, &api.UpdateJobRequest{Token: job.Token, State: "failed", FailureReason: "script_failure"}); err != nil {
		t.Fatal(err)
	}
	resp, err := env.admin.JobRetry(ctx, &api.JobRequestByID{ID: job.ID})
	if err != nil {
		t.Fatal(err)
	}
	autogold.Expect("pending").Equal(t, string(resp.Job.Status))
	autogold.Expect("build").Equal(t, resp.Job.Name)
	autogold.Expect(true).Equal(t, env.job(job.ID).Retried)

	retried := env.claim(runner.Token)
	autogold.Expect(resp.Job.ID).Equal(t, retried.ID)
	if retried.Token == job.Token {
		t.Fatal("retried job reuses the old token")
	}

	if _, err := env.admin.JobRetry(ctx, &api.JobRequestByID{ID: job.ID}); err == nil {
		t.Fatal("expected an error retrying twice")
	}
}

func TestAdminJobsList(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.project("group/app")
	env.project("other/lib")
	env.pipeline("group/app", map[string]ci.JobDefinition{
		"build": {Script: []string{"make"}},
		"lint":  {Script: []string{"make lint"}},
	})
	env.pipeline("other/lib", map[string]ci.JobDefinition{"build": {Script: []string{"make"}}})

	all, err := env.admin.JobsList(ctx, &api.JobsListRequest{})
	if err != nil {
		t.Fatal(err)
	}
	autogold.Expect(3).Equal(t, len(all.Jobs))

	app, err := env.admin.JobsList(ctx, &api.JobsListRequest{Project: "group/app"})
	if err != nil {
		t.Fatal(err)
	}
	autogold.Expect(2).Equal(t, len(app.Jobs))
	autogold.Expect("main").Equal(t, app.Jobs[0].Ref)

	limited, err := env.admin.JobsList(ctx, &api.JobsListRequest{Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	autogold.Expect(1).Equal(t, len(limited.Jobs))
}

func TestAdminLogs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := env.runningJob(ci.JobDefinition{Script: []string{"make"}})

	ids, err := env.admin.LogsList(ctx, &api.LogsListRequest{})
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, id := range ids.IDs {
		if id == jobLogID(job.ID) {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected %s in %v", jobLogID(job.ID), ids.IDs)
	}

	logs, err := env.admin.LogsGet(ctx, &api.LogsGetRequest{ID: jobLogID(job.ID)})
	if err != nil {
		t.Fatal(err)
	}
	if len(logs.Logs) == 0 || !strings.Contains(logs.Logs[len(logs.Logs)-1].Message, "picked by runner") {
		t.Fatalf("unexpected logs %+v", logs.Logs)
	}
}

func TestWebPagesAuth(t *testing.T) {
	env := newTestEnv(t)
	job := env.runningJob(ci.JobDefinition{Script: []string{"make"}})

	for _, path := range []string{"/runners/", "/logs/", "/logs/general", "/jobs/" + strconv.FormatInt(job.ID, 10)} {
		res := env.do("GET", path, nil, nil)
		if res.code != http.StatusUnauthorized {
			t.Errorf("%s: got %d without credentials", path, res.code)
		}
		req, err := http.NewRequest("GET", "/", nil)
		if err != nil {
			t.Fatal(err)
		}
		req.SetBasicAuth("admin", testSecret)
		res = env.do("GET", path, req.Header, nil)
		if res.code != http.StatusOK {
			t.Errorf("%s: got %d with credentials", path, res.code)
		}
	}
}
