package foreman

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hexops/foreman/internal/ci"
	"github.com/hexops/foreman/internal/foreman/api"
)

const (
	testSecret            = "admin-secret"
	testRegistrationToken = "instance-registration-token"
)

type testEnv struct {
	t      *testing.T
	s      *Server
	ts     *httptest.Server
	admin  *api.Client
	runner *api.RunnerClient
}

func newTestEnv(t *testing.T, configure ...func(c *Config)) *testEnv {
	t.Helper()
	cfg := &Config{
		Secret:            testSecret,
		RegistrationToken: testRegistrationToken,
		DataDir:           t.TempDir(),
	}
	for _, fn := range configure {
		fn(cfg)
	}
	s := &Server{Config: cfg}
	if err := s.open(); err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(s.mux())
	cfg.ExternalURL = ts.URL
	t.Cleanup(func() {
		ts.Close()
		s.store.Close()
	})
	return &testEnv{
		t:      t,
		s:      s,
		ts:     ts,
		admin:  &api.Client{URL: ts.URL, Secret: testSecret},
		runner: &api.RunnerClient{URL: ts.URL, UserAgent: "test-runner"},
	}
}

// setNow pins the store clock.
func (e *testEnv) setNow(now time.Time) {
	e.s.store.now = func() time.Time { return now }
}

type testResponse struct {
	code   int
	header http.Header
	body   string
}

func (r *testResponse) message() string {
	var v struct{ Message any }
	if err := json.Unmarshal([]byte(r.body), &v); err != nil {
		return ""
	}
	if s, ok := v.Message.(string); ok {
		return s
	}
	data, _ := json.Marshal(v.Message)
	return string(data)
}

func (e *testEnv) do(method, path string, header http.Header, body io.Reader) *testResponse {
	e.t.Helper()
	req, err := http.NewRequest(method, e.ts.URL+path, body)
	if err != nil {
		e.t.Fatal(err)
	}
	for key, values := range header {
		req.Header[key] = values
	}
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.Do(req)
	if err != nil {
		e.t.Fatal(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		e.t.Fatal(err)
	}
	return &testResponse{code: resp.StatusCode, header: resp.Header, body: string(data)}
}

func (e *testEnv) doJSON(method, path string, v any) *testResponse {
	e.t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		e.t.Fatal(err)
	}
	return e.do(method, path, http.Header{"Content-Type": {"application/json"}}, bytes.NewReader(data))
}

func (e *testEnv) project(path string) *api.Project {
	e.t.Helper()
	ctx := context.Background()
	parts := strings.Split(path, "/")
	for i := 1; i < len(parts); i++ {
		if _, err := e.admin.NamespaceUpsert(ctx, &api.NamespaceUpsertRequest{Path: strings.Join(parts[:i], "/")}); err != nil {
			e.t.Fatal(err)
		}
	}
	resp, err := e.admin.ProjectUpsert(ctx, &api.ProjectUpsertRequest{Path: path})
	if err != nil {
		e.t.Fatal(err)
	}
	return &resp.Project
}

func boolPtr(v bool) *bool { return &v }

func secondsPtr(v int) *int { return &v }

func (e *testEnv) registerRunner(token string, tags ...string) *api.RegisterRunnerResponse {
	e.t.Helper()
	resp, err := e.runner.Register(context.Background(), &api.RegisterRunnerRequest{
		Token:       token,
		Description: "test runner",
		RunUntagged: boolPtr(len(tags) == 0),
		TagList:     tags,
	})
	if err != nil {
		e.t.Fatal(err)
	}
	return resp
}

func (e *testEnv) pipeline(project string, jobs map[string]ci.JobDefinition) *api.PipelineCreateResponse {
	e.t.Helper()
	resp, err := e.admin.PipelineCreate(context.Background(), &api.PipelineCreateRequest{Pipeline: ci.PipelineDefinition{
		Project: project,
		Ref:     "main",
		SHA:     "2293ada6b400935a1378653304eaf6221e0fdb8f",
		Jobs:    jobs,
	}})
	if err != nil {
		e.t.Fatal(err)
	}
	return resp
}

// claim requests a job for a runner and fails the test if none is handed out.
func (e *testEnv) claim(runnerToken string) *api.JobResponse {
	e.t.Helper()
	job, _, err := e.runner.RequestJob(context.Background(), &api.JobRequest{Token: runnerToken})
	if err != nil {
		e.t.Fatal(err)
	}
	if job == nil {
		e.t.Fatal("expected a job")
	}
	return job
}

func (e *testEnv) job(id int64) api.Job {
	e.t.Helper()
	resp, err := e.admin.JobGet(context.Background(), &api.JobRequestByID{ID: id})
	if err != nil {
		e.t.Fatal(err)
	}
	return resp.Job
}

// runningJob sets up a project, a runner and a claimed job.
func (e *testEnv) runningJob(def ci.JobDefinition) *api.JobResponse {
	e.t.Helper()
	e.project("group/app")
	runner := e.registerRunner(testRegistrationToken)
	e.pipeline("group/app", map[string]ci.JobDefinition{"build": def})
	return e.claim(runner.Token)
}

func jobTokenHeader(token string) http.Header {
	return http.Header{api.HeaderJobToken: {token}}
}
