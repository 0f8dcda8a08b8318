package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// StatusError is an unexpected response from the runner API.
type StatusError struct {
	Code int
	Body string

	// JobStatus is the Job-Status header, when the server sent one.
	JobStatus string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected response code: %v %v", e.Code, strings.TrimSpace(e.Body))
}

// RunnerClient speaks the runner protocol under /api/v4.
type RunnerClient struct {
	URL string

	// UserAgent identifies the runner, e.g. "foreman-runner v0.1.0".
	UserAgent string

	client *http.Client
}

func (c *RunnerClient) do(ctx context.Context, method, endpoint string, body io.Reader, header http.Header) (*http.Response, error) {
	if c.client == nil {
		c.client = &http.Client{
			// Artifact downloads redirect to object storage; callers handle 302 themselves.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimSuffix(c.URL, "/")+"/api/v4"+endpoint, body)
	if err != nil {
		return nil, err
	}
	for key, values := range header {
		req.Header[key] = values
	}
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}
	return c.client.Do(req)
}

func (c *RunnerClient) doJSON(ctx context.Context, method, endpoint string, r any, header http.Header) (*http.Response, error) {
	jsonBytes, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	if header == nil {
		header = http.Header{}
	}
	header.Set("Content-Type", "application/json")
	return c.do(ctx, method, endpoint, bytes.NewReader(jsonBytes), header)
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &StatusError{Code: resp.StatusCode, Body: string(body), JobStatus: resp.Header.Get(HeaderJobStatus)}
}

func decode[T any](resp *http.Response) (*T, error) {
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (c *RunnerClient) Register(ctx context.Context, r *RegisterRunnerRequest) (*RegisterRunnerResponse, error) {
	resp, err := c.doJSON(ctx, "POST", "/runners", r, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return nil, statusError(resp)
	}
	return decode[RegisterRunnerResponse](resp)
}

func (c *RunnerClient) Verify(ctx context.Context, token string) error {
	resp, err := c.doJSON(ctx, "POST", "/runners/verify", &VerifyRunnerRequest{Token: token}, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	return nil
}

func (c *RunnerClient) Unregister(ctx context.Context, token string) error {
	resp, err := c.doJSON(ctx, "DELETE", "/runners", &UnregisterRunnerRequest{Token: token}, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return statusError(resp)
	}
	return nil
}

// RequestJob polls for a job. It returns a nil job when there is nothing to do, along with the
// queue version to send on the next poll.
func (c *RunnerClient) RequestJob(ctx context.Context, r *JobRequest) (job *JobResponse, lastUpdate string, err error) {
	resp, err := c.doJSON(ctx, "POST", "/jobs/request", r, nil)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusCreated:
		job, err := decode[JobResponse](resp)
		return job, r.LastUpdate, err
	case http.StatusNoContent:
		return nil, resp.Header.Get(HeaderLastUpdate), nil
	case http.StatusConflict:
		// Lost a race for a job; poll again with the old version.
		return nil, r.LastUpdate, nil
	}
	return nil, r.LastUpdate, statusError(resp)
}

// UpdateJob reports a job's state. It returns the job status the server holds.
func (c *RunnerClient) UpdateJob(ctx context.Context, id int64, r *UpdateJobRequest) (string, error) {
	resp, err := c.doJSON(ctx, "PUT", "/jobs/"+strconv.FormatInt(id, 10), r, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", statusError(resp)
	}
	return resp.Header.Get(HeaderJobStatus), nil
}

// PatchTraceResult is the server's answer to a trace append.
type PatchTraceResult struct {
	// Accepted is false when the offset did not match and Length holds the offset to resume at.
	Accepted       bool
	Length         int64
	JobStatus      string
	UpdateInterval time.Duration
}

// PatchTrace appends data at offset to a job's trace.
func (c *RunnerClient) PatchTrace(ctx context.Context, id int64, token string, offset int64, data []byte) (*PatchTraceResult, error) {
	header := http.Header{}
	header.Set(HeaderJobToken, token)
	header.Set("Content-Type", "text/plain")
	end := offset + int64(len(data)) - 1
	if end < offset {
		end = offset
	}
	header.Set("Content-Range", fmt.Sprintf("%d-%d", offset, end))
	resp, err := c.do(ctx, "PATCH", "/jobs/"+strconv.FormatInt(id, 10)+"/trace", bytes.NewReader(data), header)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusRequestedRangeNotSatisfiable {
		return nil, statusError(resp)
	}
	result := &PatchTraceResult{
		Accepted:  resp.StatusCode == http.StatusAccepted,
		Length:    ParseRangeEnd(resp.Header.Get("Range")),
		JobStatus: resp.Header.Get(HeaderJobStatus),
	}
	if v, err := strconv.Atoi(resp.Header.Get(HeaderTraceUpdateInterval)); err == nil {
		result.UpdateInterval = time.Duration(v) * time.Second
	}
	return result, nil
}

// ParseRangeEnd returns N from a "0-N" range, or 0.
func ParseRangeEnd(rng string) int64 {
	_, end, ok := strings.Cut(rng, "-")
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(end, 10, 64)
	return n
}

// ArtifactUpload describes an artifact file a runner uploads.
type ArtifactUpload struct {
	Type     string
	Format   string
	ExpireIn string
	Filename string
	Size     int64
	Body     io.Reader
}

// UploadArtifact authorizes and stores an artifact, acting as its own upload proxy.
func (c *RunnerClient) UploadArtifact(ctx context.Context, id int64, token string, a *ArtifactUpload) error {
	jobPath := "/jobs/" + strconv.FormatInt(id, 10) + "/artifacts"
	header := http.Header{}
	header.Set(HeaderJobToken, token)
	header.Set(HeaderWorkhorse, c.UserAgent)

	q := url.Values{}
	q.Set("artifact_type", a.Type)
	q.Set("artifact_format", a.Format)
	q.Set("filesize", strconv.FormatInt(a.Size, 10))
	resp, err := c.do(ctx, "POST", jobPath+"/authorize?"+q.Encode(), nil, header)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for key, value := range map[string]string{
		"artifact_type":   a.Type,
		"artifact_format": a.Format,
		"expire_in":       a.ExpireIn,
	} {
		if err := mw.WriteField(key, value); err != nil {
			return err
		}
	}
	part, err := mw.CreateFormFile("file", a.Filename)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, a.Body); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}
	header.Set("Content-Type", mw.FormDataContentType())
	resp, err = c.do(ctx, "POST", jobPath, &body, header)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return statusError(resp)
	}
	return nil
}

// DownloadArtifact fetches a job's archive. It follows an object storage redirect and the
// send-url instruction of a proxied download itself.
func (c *RunnerClient) DownloadArtifact(ctx context.Context, id int64, token string) (io.ReadCloser, error) {
	header := http.Header{}
	header.Set(HeaderJobToken, token)
	resp, err := c.do(ctx, "GET", "/jobs/"+strconv.FormatInt(id, 10)+"/artifacts", nil, header)
	if err != nil {
		return nil, err
	}
	var location string
	switch {
	case resp.StatusCode == http.StatusFound:
		location = resp.Header.Get("Location")
	case resp.StatusCode == http.StatusOK && resp.Header.Get(HeaderWorkhorseSendData) != "":
		location, err = sendURL(resp.Header.Get(HeaderWorkhorseSendData))
		if err != nil {
			resp.Body.Close()
			return nil, err
		}
	case resp.StatusCode == http.StatusOK:
		return resp.Body, nil
	default:
		defer resp.Body.Close()
		return nil, statusError(resp)
	}
	resp.Body.Close()

	req, err := http.NewRequestWithContext(ctx, "GET", location, nil)
	if err != nil {
		return nil, err
	}
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}
	return resp.Body, nil
}

// SendURLPrefix marks a Gitlab-Workhorse-Send-Data value that asks the proxy to fetch a URL.
const SendURLPrefix = "send-url:"

// SendURLParams is the payload of a send-url instruction.
type SendURLParams struct {
	URL            string
	AllowRedirects bool
}

func sendURL(data string) (string, error) {
	if !strings.HasPrefix(data, SendURLPrefix) {
		return "", fmt.Errorf("unsupported send data: %q", data)
	}
	raw, err := base64.URLEncoding.DecodeString(strings.TrimPrefix(data, SendURLPrefix))
	if err != nil {
		return "", err
	}
	var params SendURLParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return "", err
	}
	return params.URL, nil
}
