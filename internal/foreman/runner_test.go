package foreman

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/hexops/autogold/v2"
	"github.com/hexops/foreman/internal/ci"
	"github.com/hexops/foreman/internal/foreman/api"
)

// startAgent runs a runner agent against the test server.
func (e *testEnv) startAgent() *Server {
	e.t.Helper()
	s := &Server{Config: &Config{
		DataDir: e.t.TempDir(),
		Runner: RunnerConfig{
			URL:               e.ts.URL,
			RegistrationToken: testRegistrationToken,
			Description:       "agent",
			RunUntagged:       true,
			BuildsDir:         e.t.TempDir(),
			PollInterval:      "50ms",
		},
	}}
	if err := s.runnerStart(); err != nil {
		e.t.Fatal(err)
	}
	e.t.Cleanup(func() { s.runnerStop() })
	return s
}

// waitJob waits for a job to finish.
func (e *testEnv) waitJob(id int64) api.Job {
	e.t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		job := e.job(id)
		if job.Status.Terminal() {
			return job
		}
		time.Sleep(50 * time.Millisecond)
	}
	e.t.Fatalf("job %d did not finish", id)
	return api.Job{}
}

func (e *testEnv) trace(id int64) string {
	e.t.Helper()
	resp, err := e.admin.JobTrace(context.Background(), &api.JobRequestByID{ID: id})
	if err != nil {
		e.t.Fatal(err)
	}
	return resp.Trace
}

func TestAgentRunsJobs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.project("group/app")
	if _, err := env.admin.VariablesUpsert(ctx, &api.VariablesUpsertRequest{
		Project:  "group/app",
		Variable: api.Variable{Key: "API_SECRET", Value: "super-secret-value", Masked: true},
	}); err != nil {
		t.Fatal(err)
	}
	created := env.pipeline("group/app", map[string]ci.JobDefinition{
		"compile": {
			Stage:     "build",
			Variables: ci.Variables{{Key: "GIT_STRATEGY", Value: "none", Public: true}},
			Script: []string{
				"mkdir -p out",
				"echo built for $CI_JOB_NAME > out/app.txt",
				"echo secret is $API_SECRET",
			},
			AfterScript: []string{"echo cleaning up"},
			Artifacts:   &ci.ArtifactsDefinition{Paths: []string{"out/"}},
		},
		"unit": {
			Stage:     "test",
			Variables: ci.Variables{{Key: "GIT_STRATEGY", Value: "none", Public: true}},
			Script:    []string{"rm -rf out", "echo skipped", "cat out/app.txt"},
		},
	})
	agent := env.startAgent()
	if !strings.HasPrefix(agent.Config.Runner.Token, "glrt-") {
		t.Fatalf("unexpected runner token %q", agent.Config.Runner.Token)
	}

	compile := env.waitJob(created.Jobs[0].ID)
	autogold.Expect("success").Equal(t, string(compile.Status))
	autogold.Expect(1).Equal(t, len(compile.Artifacts))
	trace := env.trace(compile.ID)
	for _, want := range []string{"$ mkdir -p out", "secret is [MASKED]", "cleaning up", "Job succeeded"} {
		if !strings.Contains(trace, want) {
			t.Fatalf("trace missing %q:\n%s", want, trace)
		}
	}
	if strings.Contains(trace, "super-secret-value") {
		t.Fatalf("trace leaks a masked variable:\n%s", trace)
	}

	// The unit job removes its checkout, then fails to read what it removed.
	unit := env.waitJob(created.Jobs[1].ID)
	autogold.Expect("failed").Equal(t, string(unit.Status))
	autogold.Expect("script_failure").Equal(t, string(unit.FailureReason))
	trace = env.trace(unit.ID)
	for _, want := range []string{"Downloading artifacts for compile", "skipped", "ERROR: Job failed"} {
		if !strings.Contains(trace, want) {
			t.Fatalf("trace missing %q:\n%s", want, trace)
		}
	}
	stored, err := env.s.store.JobByID(ctx, unit.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.ExitCode == nil || *stored.ExitCode == 0 {
		t.Fatalf("unexpected exit code %v", stored.ExitCode)
	}
}

func TestAgentDependencyArtifacts(t *testing.T) {
	env := newTestEnv(t)
	env.project("group/app")
	none := ci.Variables{{Key: "GIT_STRATEGY", Value: "none", Public: true}}
	created := env.pipeline("group/app", map[string]ci.JobDefinition{
		"compile": {
			Stage:     "build",
			Variables: none,
			Script:    []string{"mkdir -p out", "echo v1.2.3 > out/version"},
			Artifacts: &ci.ArtifactsDefinition{Paths: []string{"out/**"}},
		},
		"package": {
			Stage:     "deploy",
			Variables: none,
			Script:    []string{"grep v1.2.3 out/version"},
		},
	})
	env.startAgent()

	autogold.Expect("success").Equal(t, string(env.waitJob(created.Jobs[0].ID).Status))
	pkg := env.waitJob(created.Jobs[1].ID)
	if pkg.Status != ci.StatusSuccess {
		t.Fatalf("package job %s:\n%s", pkg.Status, env.trace(pkg.ID))
	}
}

func TestAgentCanceledJob(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.project("group/app")
	created := env.pipeline("group/app", map[string]ci.JobDefinition{
		"sleep": {
			Variables: ci.Variables{{Key: "GIT_STRATEGY", Value: "none", Public: true}},
			Script:    []string{"echo started", "sleep 60"},
		},
	})
	env.startAgent()

	id := created.Jobs[0].ID
	deadline := time.Now().Add(30 * time.Second)
	for env.job(id).Status != ci.StatusRunning {
		if time.Now().After(deadline) {
			t.Fatal("job was not picked")
		}
		time.Sleep(50 * time.Millisecond)
	}
	if _, err := env.admin.JobCancel(ctx, &api.JobRequestByID{ID: id}); err != nil {
		t.Fatal(err)
	}
	autogold.Expect("canceled").Equal(t, string(env.waitJob(id).Status))
}

func TestJobTraceMasking(t *testing.T) {
	tr := &jobTrace{masks: []string{"hunter2-password"}}
	tr.Printf("login with hunter2-password")
	tr.drain()
	autogold.Expect("login with [MASKED]\n").Equal(t, tr.buf.String())
}

func TestJobTraceMaskingSplitWrites(t *testing.T) {
	tr := &jobTrace{masks: []string{"supersecretvalue"}}
	fmt.Fprint(tr, "token=supersec")
	autogold.Expect("").Equal(t, tr.buf.String())
	fmt.Fprint(tr, "retvalue\n")
	fmt.Fprint(tr, "done s")
	fmt.Fprint(tr, "uper")
	tr.drain()
	autogold.Expect("token=[MASKED]\ndone super").Equal(t, tr.buf.String())
}

func TestArtifactWanted(t *testing.T) {
	autogold.Expect(true).Equal(t, artifactWanted("", true))
	autogold.Expect(false).Equal(t, artifactWanted("on_success", false))
	autogold.Expect(true).Equal(t, artifactWanted("on_failure", false))
	autogold.Expect(false).Equal(t, artifactWanted("on_failure", true))
	autogold.Expect(true).Equal(t, artifactWanted("always", false))
}
