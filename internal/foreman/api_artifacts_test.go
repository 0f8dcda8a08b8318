package foreman

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hexops/autogold/v2"
	"github.com/hexops/foreman/internal/ci"
	"github.com/hexops/foreman/internal/foreman/api"
)

// testZip returns a zip archive holding a single file.
func testZip(t *testing.T, name, content string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create(name)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := io.WriteString(w, content); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func workhorseHeader(token string) http.Header {
	header := jobTokenHeader(token)
	header.Set(api.HeaderWorkhorse, "test")
	return header
}

// storeForm builds a multipart store request body.
func storeForm(t *testing.T, fields map[string]string, filename string, data []byte) (string, *bytes.Buffer) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for key, value := range fields {
		if err := mw.WriteField(key, value); err != nil {
			t.Fatal(err)
		}
	}
	if data != nil {
		part, err := mw.CreateFormFile("file", filename)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := part.Write(data); err != nil {
			t.Fatal(err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return mw.FormDataContentType(), &body
}

func TestAuthorizeArtifact(t *testing.T) {
	env := newTestEnv(t)
	job := env.runningJob(ci.JobDefinition{Script: []string{"make"}})
	path := fmt.Sprintf("/api/v4/jobs/%d/artifacts/authorize", job.ID)

	// Requests must come through the upload proxy.
	res := env.do("POST", path, jobTokenHeader(job.Token), nil)
	autogold.Expect(http.StatusForbidden).Equal(t, res.code)

	res = env.do("POST", path+"?artifact_type=archive&artifact_format=zip", workhorseHeader(job.Token), nil)
	autogold.Expect(http.StatusOK).Equal(t, res.code)
	var resp api.AuthorizeResponse
	if err := json.Unmarshal([]byte(res.body), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.TempPath == "" {
		t.Fatal("expected a temp path")
	}
	if resp.MaximumSize != nil {
		t.Fatalf("unexpected maximum size %d", *resp.MaximumSize)
	}

	res = env.do("POST", path+"?artifact_type=archive&artifact_format=raw", workhorseHeader(job.Token), nil)
	autogold.Expect(http.StatusBadRequest).Equal(t, res.code)

	res = env.do("POST", path, workhorseHeader("glcbt-wrong"), nil)
	autogold.Expect(http.StatusForbidden).Equal(t, res.code)
}

func TestAuthorizeArtifactTooLarge(t *testing.T) {
	zero := int64(0)
	env := newTestEnv(t, func(c *Config) { c.MaxArtifactsSize = &zero })
	job := env.runningJob(ci.JobDefinition{Script: []string{"make"}})

	res := env.do("POST", fmt.Sprintf("/api/v4/jobs/%d/artifacts/authorize?filesize=5", job.ID), workhorseHeader(job.Token), nil)
	autogold.Expect(http.StatusRequestEntityTooLarge).Equal(t, res.code)

	// A project limit overrides the instance one.
	limit := int64(1)
	if _, err := env.admin.ProjectUpsert(context.Background(), &api.ProjectUpsertRequest{Path: "group/app", MaxArtifactsSize: &limit}); err != nil {
		t.Fatal(err)
	}
	res = env.do("POST", fmt.Sprintf("/api/v4/jobs/%d/artifacts/authorize?filesize=5", job.ID), workhorseHeader(job.Token), nil)
	autogold.Expect(http.StatusOK).Equal(t, res.code)
	var resp api.AuthorizeResponse
	if err := json.Unmarshal([]byte(res.body), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.MaximumSize == nil || *resp.MaximumSize != 1024*1024 {
		t.Fatalf("unexpected maximum size %v", resp.MaximumSize)
	}
}

func TestStoreAndDownloadArtifact(t *testing.T) {
	env := newTestEnv(t)
	job := env.runningJob(ci.JobDefinition{Script: []string{"make"}})
	archive := testZip(t, "out/app", "binary")

	contentType, body := storeForm(t, map[string]string{
		"artifact_type":   "archive",
		"artifact_format": "zip",
		"expire_in":       "1 week",
	}, "artifacts.zip", archive)
	header := workhorseHeader(job.Token)
	header.Set("Content-Type", contentType)
	res := env.do("POST", fmt.Sprintf("/api/v4/jobs/%d/artifacts", job.ID), header, body)
	autogold.Expect(http.StatusCreated).Equal(t, res.code)
	var stored api.StoreArtifactResponse
	if err := json.Unmarshal([]byte(res.body), &stored); err != nil {
		t.Fatal(err)
	}
	autogold.Expect("artifacts.zip").Equal(t, stored.ArtifactsFile.Filename)
	autogold.Expect(int64(len(archive))).Equal(t, stored.ArtifactsFile.Size)
	if stored.ExpireAt == nil {
		t.Fatal("expected an expiry")
	}

	res = env.do("GET", fmt.Sprintf("/api/v4/jobs/%d/artifacts", job.ID), jobTokenHeader(job.Token), nil)
	autogold.Expect(http.StatusOK).Equal(t, res.code)
	autogold.Expect(`attachment; filename="artifacts.zip"; filename*=UTF-8''artifacts.zip`).Equal(t, res.header.Get("Content-Disposition"))
	if res.body != string(archive) {
		t.Fatal("downloaded artifact differs from the upload")
	}

	res = env.do("GET", fmt.Sprintf("/api/v4/jobs/%d/artifacts", job.ID), jobTokenHeader("glcbt-wrong"), nil)
	autogold.Expect(http.StatusForbidden).Equal(t, res.code)

	got := env.job(job.ID)
	autogold.Expect(1).Equal(t, len(got.Artifacts))
	autogold.Expect("archive").Equal(t, string(got.Artifacts[0].FileType))
}

func TestStoreArtifactStagedFile(t *testing.T) {
	env := newTestEnv(t)
	job := env.runningJob(ci.JobDefinition{Script: []string{"make"}})

	res := env.do("POST", fmt.Sprintf("/api/v4/jobs/%d/artifacts/authorize", job.ID), workhorseHeader(job.Token), nil)
	var resp api.AuthorizeResponse
	if err := json.Unmarshal([]byte(res.body), &resp); err != nil {
		t.Fatal(err)
	}
	staged := filepath.Join(resp.TempPath, "upload-1")
	if err := os.WriteFile(staged, []byte("plain log output"), 0o600); err != nil {
		t.Fatal(err)
	}

	form := url.Values{
		"artifact_type":   {"trace"},
		"artifact_format": {"raw"},
		"file.path":       {staged},
		"file.name":       {"job.log"},
	}
	header := workhorseHeader(job.Token)
	header.Set("Content-Type", "application/x-www-form-urlencoded")
	res = env.do("POST", fmt.Sprintf("/api/v4/jobs/%d/artifacts", job.ID), header, bytes.NewBufferString(form.Encode()))
	autogold.Expect(http.StatusCreated).Equal(t, res.code)
	if _, err := os.Stat(staged); !os.IsNotExist(err) {
		t.Fatal("expected the staged file to be moved")
	}

	// Paths outside the upload directory are refused.
	form.Set("file.path", filepath.Join(env.s.Config.DataDir, "foreman.db"))
	res = env.do("POST", fmt.Sprintf("/api/v4/jobs/%d/artifacts", job.ID), header, bytes.NewBufferString(form.Encode()))
	autogold.Expect(http.StatusBadRequest).Equal(t, res.code)
}

func TestStoreArtifactErrors(t *testing.T) {
	env := newTestEnv(t)
	job := env.runningJob(ci.JobDefinition{Script: []string{"make"}})
	path := fmt.Sprintf("/api/v4/jobs/%d/artifacts", job.ID)

	contentType, body := storeForm(t, map[string]string{"artifact_format": "zip"}, "artifacts.zip", []byte("not a zip"))
	header := workhorseHeader(job.Token)
	header.Set("Content-Type", contentType)
	res := env.do("POST", path, header, body)
	autogold.Expect(http.StatusBadRequest).Equal(t, res.code)

	contentType, body = storeForm(t, map[string]string{"artifact_format": "zip"}, "", nil)
	header.Set("Content-Type", contentType)
	res = env.do("POST", path, header, body)
	autogold.Expect(http.StatusBadRequest).Equal(t, res.code)
	autogold.Expect("400 Bad request - Missing artifacts file!").Equal(t, res.message())

	contentType, body = storeForm(t, map[string]string{"artifact_type": "archive", "artifact_format": "gzip"}, "a.gz", testZip(t, "a", "b"))
	header.Set("Content-Type", contentType)
	res = env.do("POST", path, header, body)
	autogold.Expect(http.StatusBadRequest).Equal(t, res.code)

	res = env.do("GET", path, jobTokenHeader(job.Token), nil)
	autogold.Expect(http.StatusNotFound).Equal(t, res.code)
}

func TestArtifactDependencies(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.project("group/app")
	runner := env.registerRunner(testRegistrationToken)
	none := []string{}
	only := []string{"docs"}
	env.pipeline("group/app", map[string]ci.JobDefinition{
		"compile": {Stage: "build", Script: []string{"make"}},
		"docs":    {Stage: "build", Script: []string{"make docs"}},
		"lint":    {Stage: "test", Script: []string{"make lint"}, Dependencies: &none},
		"unit":    {Stage: "test", Script: []string{"make test"}},
		"publish": {Stage: "deploy", Script: []string{"make publish"}, Dependencies: &only},
	})

	for i := 0; i < 2; i++ {
		job := env.claim(runner.Token)
		if err := env.runner.UploadArtifact(ctx, job.ID, job.Token, &api.ArtifactUpload{
			Type:     "archive",
			Format:   "zip",
			Filename: "artifacts.zip",
			Size:     1,
			Body:     bytes.NewReader(testZip(t, job.JobInfo.Name, job.JobInfo.Name)),
		}); err != nil {
			t.Fatal(err)
		}
		if _, err := env.runner.UpdateJob(ctx, job.ID, &api.UpdateJobRequest{Token: job.Token, State: "success"}); err != nil {
			t.Fatal(err)
		}
	}

	deps := map[string][]string{}
	for i := 0; i < 2; i++ {
		job := env.claim(runner.Token)
		var names []string
		for _, d := range job.Dependencies {
			names = append(names, d.Name)
			if d.ArtifactsFile == nil {
				t.Fatalf("dependency %s has no artifacts file", d.Name)
			}
		}
		deps[job.JobInfo.Name] = names
		if _, err := env.runner.UpdateJob(ctx, job.ID, &api.UpdateJobRequest{Token: job.Token, State: "success"}); err != nil {
			t.Fatal(err)
		}
	}
	publish := env.claim(runner.Token)
	deps[publish.JobInfo.Name] = nil
	for _, d := range publish.Dependencies {
		deps[publish.JobInfo.Name] = append(deps[publish.JobInfo.Name], d.Name)
	}

	autogold.Expect(map[string][]string{
		"lint":    nil,
		"publish": {"docs"},
		"unit":    {"compile", "docs"},
	}).Equal(t, deps)

	// Dependency tokens download the artifacts of the jobs they belong to.
	rc, err := env.runner.DownloadArtifact(ctx, publish.Dependencies[0].ID, publish.Dependencies[0].Token)
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(testZip(t, "docs", "docs"), data) {
		t.Fatal("downloaded the wrong artifact")
	}
}

func TestStoreArtifactRemoteIDMissing(t *testing.T) {
	env := newTestEnv(t)
	job := env.runningJob(ci.JobDefinition{Script: []string{"make"}})

	form := url.Values{
		"artifact_format": {"zip"},
		"file.remote_id":  {"../../etc/passwd"},
		"file.name":       {"artifacts.zip"},
	}
	header := workhorseHeader(job.Token)
	header.Set("Content-Type", "application/x-www-form-urlencoded")
	res := env.do("POST", fmt.Sprintf("/api/v4/jobs/%d/artifacts", job.ID), header, bytes.NewBufferString(form.Encode()))
	autogold.Expect(http.StatusInternalServerError).Equal(t, res.code)
	autogold.Expect("Missing file").Equal(t, res.message())
}

func TestDownloadRemoteArtifact(t *testing.T) {
	tests := []struct {
		name          string
		proxyDownload bool
		wantCode      int
	}{
		{name: "redirect", wantCode: http.StatusFound},
		{name: "proxy", proxyDownload: true, wantCode: http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, func(c *Config) {
				c.ObjectStore = ObjectStoreConfig{
					Enabled:       true,
					ProxyDownload: tc.proxyDownload,
					Endpoint:      "objects.example.com",
					Region:        "us-east-1",
					Bucket:        "artifacts",
					AccessKey:     "access",
					SecretKey:     "secret",
					UseSSL:        true,
				}
			})
			job := env.runningJob(ci.JobDefinition{Script: []string{"make"}})
			_, _, err := env.s.store.UpsertArtifact(context.Background(), &Artifact{
				JobID:    job.ID,
				FileType: ci.FileArchive,
				Format:   ci.FormatZip,
				Filename: "artifacts.zip",
				FileKey:  "artifacts/1/archive/artifacts.zip",
				Size:     42,
				Remote:   true,
			})
			if err != nil {
				t.Fatal(err)
			}

			res := env.do("GET", fmt.Sprintf("/api/v4/jobs/%d/artifacts", job.ID), jobTokenHeader(job.Token), nil)
			autogold.Expect(tc.wantCode).Equal(t, res.code)
			location := res.header.Get("Location")
			if tc.proxyDownload {
				send := res.header.Get(api.HeaderWorkhorseSendData)
				if !strings.HasPrefix(send, api.SendURLPrefix) {
					t.Fatalf("unexpected send data %q", send)
				}
				data, err := base64.URLEncoding.DecodeString(strings.TrimPrefix(send, api.SendURLPrefix))
				if err != nil {
					t.Fatal(err)
				}
				var params api.SendURLParams
				if err := json.Unmarshal(data, &params); err != nil {
					t.Fatal(err)
				}
				autogold.Expect(false).Equal(t, params.AllowRedirects)
				location = params.URL
			}
			u, err := url.Parse(location)
			if err != nil {
				t.Fatal(err)
			}
			autogold.Expect("objects.example.com").Equal(t, u.Host)
			autogold.Expect("/artifacts/artifacts/1/archive/artifacts.zip").Equal(t, u.Path)
			if u.Query().Get("X-Amz-Signature") == "" {
				t.Fatalf("unsigned download URL %q", location)
			}
		})
	}
}

func TestStoreArtifactBodyTooLarge(t *testing.T) {
	env := newTestEnv(t)
	job := env.runningJob(ci.JobDefinition{Script: []string{"make"}})
	limit := int64(1)
	if _, err := env.admin.ProjectUpsert(context.Background(), &api.ProjectUpsertRequest{Path: "group/app", MaxArtifactsSize: &limit}); err != nil {
		t.Fatal(err)
	}

	// The body is cut short before the closing boundary, so only reading stops it early.
	contentType, body := storeForm(t, map[string]string{"artifact_format": "zip"}, "artifacts.zip", bytes.Repeat([]byte("x"), 1<<20+256<<10))
	truncated := body.Bytes()[:body.Len()-64]
	header := workhorseHeader(job.Token)
	header.Set("Content-Type", contentType)
	res := env.do("POST", fmt.Sprintf("/api/v4/jobs/%d/artifacts", job.ID), header, bytes.NewReader(truncated))
	autogold.Expect(http.StatusRequestEntityTooLarge).Equal(t, res.code)

	got := env.job(job.ID)
	autogold.Expect(0).Equal(t, len(got.Artifacts))
}
