package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Client talks to the admin API of a foreman server.
type Client struct {
	URL    string
	Secret string

	client *http.Client
}

func clientDo[Request any, Response any](c *Client, ctx context.Context, r *Request, endpoint string) (*Response, error) {
	if c.client == nil {
		c.client = &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				req.Header.Add("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(":"+c.Secret)))
				return nil
			},
		}
	}

	jsonBytes, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", c.URL+endpoint, bytes.NewBuffer(jsonBytes))
	if err != nil {
		return nil, err
	}
	req.Header.Add("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(":"+c.Secret)))
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("unexpected response code: %v %v", resp.StatusCode, string(body))
	}

	var rsp Response
	if err := json.NewDecoder(resp.Body).Decode(&rsp); err != nil {
		return nil, err
	}
	return &rsp, nil
}

func (c *Client) NamespaceUpsert(ctx context.Context, r *NamespaceUpsertRequest) (*NamespaceUpsertResponse, error) {
	return clientDo[NamespaceUpsertRequest, NamespaceUpsertResponse](c, ctx, r, "/api/admin/namespaces/upsert")
}

func (c *Client) ProjectUpsert(ctx context.Context, r *ProjectUpsertRequest) (*ProjectUpsertResponse, error) {
	return clientDo[ProjectUpsertRequest, ProjectUpsertResponse](c, ctx, r, "/api/admin/projects/upsert")
}

func (c *Client) VariablesList(ctx context.Context, r *VariablesListRequest) (*VariablesListResponse, error) {
	return clientDo[VariablesListRequest, VariablesListResponse](c, ctx, r, "/api/admin/variables/list")
}

func (c *Client) VariablesUpsert(ctx context.Context, r *VariablesUpsertRequest) (*VariablesUpsertResponse, error) {
	return clientDo[VariablesUpsertRequest, VariablesUpsertResponse](c, ctx, r, "/api/admin/variables/upsert")
}

func (c *Client) VariablesDelete(ctx context.Context, r *VariablesDeleteRequest) (*VariablesDeleteResponse, error) {
	return clientDo[VariablesDeleteRequest, VariablesDeleteResponse](c, ctx, r, "/api/admin/variables/delete")
}

func (c *Client) RunnerList(ctx context.Context, r *RunnerListRequest) (*RunnerListResponse, error) {
	return clientDo[RunnerListRequest, RunnerListResponse](c, ctx, r, "/api/admin/runners/list")
}

func (c *Client) RunnerUpdate(ctx context.Context, r *RunnerUpdateRequest) (*RunnerUpdateResponse, error) {
	return clientDo[RunnerUpdateRequest, RunnerUpdateResponse](c, ctx, r, "/api/admin/runners/update")
}

func (c *Client) RunnerDelete(ctx context.Context, r *RunnerDeleteRequest) (*RunnerDeleteResponse, error) {
	return clientDo[RunnerDeleteRequest, RunnerDeleteResponse](c, ctx, r, "/api/admin/runners/delete")
}

func (c *Client) PipelineCreate(ctx context.Context, r *PipelineCreateRequest) (*PipelineCreateResponse, error) {
	return clientDo[PipelineCreateRequest, PipelineCreateResponse](c, ctx, r, "/api/admin/pipelines/create")
}

func (c *Client) JobsList(ctx context.Context, r *JobsListRequest) (*JobsListResponse, error) {
	return clientDo[JobsListRequest, JobsListResponse](c, ctx, r, "/api/admin/jobs/list")
}

func (c *Client) JobGet(ctx context.Context, r *JobRequestByID) (*JobResponseAdmin, error) {
	return clientDo[JobRequestByID, JobResponseAdmin](c, ctx, r, "/api/admin/jobs/get")
}

func (c *Client) JobCancel(ctx context.Context, r *JobRequestByID) (*JobResponseAdmin, error) {
	return clientDo[JobRequestByID, JobResponseAdmin](c, ctx, r, "/api/admin/jobs/cancel")
}

func (c *Client) JobErase(ctx context.Context, r *JobRequestByID) (*JobResponseAdmin, error) {
	return clientDo[JobRequestByID, JobResponseAdmin](c, ctx, r, "/api/admin/jobs/erase")
}

func (c *Client) JobRetry(ctx context.Context, r *JobRequestByID) (*JobResponseAdmin, error) {
	return clientDo[JobRequestByID, JobResponseAdmin](c, ctx, r, "/api/admin/jobs/retry")
}

func (c *Client) JobTrace(ctx context.Context, r *JobRequestByID) (*JobTraceResponse, error) {
	return clientDo[JobRequestByID, JobTraceResponse](c, ctx, r, "/api/admin/jobs/trace")
}

func (c *Client) LogsList(ctx context.Context, r *LogsListRequest) (*LogsListResponse, error) {
	return clientDo[LogsListRequest, LogsListResponse](c, ctx, r, "/api/admin/logs/list")
}

func (c *Client) LogsGet(ctx context.Context, r *LogsGetRequest) (*LogsGetResponse, error) {
	return clientDo[LogsGetRequest, LogsGetResponse](c, ctx, r, "/api/admin/logs/get")
}
