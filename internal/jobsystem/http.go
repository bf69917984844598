package jobsystem

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/geovista/cog-merger/internal/blobstore"
)

// HTTPClient talks to the job system's JSON operations API. It implements
// both Client (status polling) and Exporter (export submission).
type HTTPClient struct {
	baseURL string
	project string
	httpc   *http.Client
}

// NewHTTPClient builds a client for the given API base URL and project.
func NewHTTPClient(baseURL, project string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		project: project,
		httpc:   &http.Client{Timeout: 30 * time.Second},
	}
}

// operationPayload is the wire shape of a job status response. Everything
// beyond state, done and the error message is ignored.
type operationPayload struct {
	Metadata struct {
		State string `json:"state"`
	} `json:"metadata"`
	Done  bool `json:"done"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// JobStatus fetches one operation and reduces it to {Phase, Error}.
func (c *HTTPClient) JobStatus(ctx context.Context, jobID string) (JobStatus, error) {
	url := fmt.Sprintf("%s/projects/%s/operations/%s", c.baseURL, c.project, jobID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return JobStatus{}, fmt.Errorf("build status request: %w", err)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return JobStatus{}, fmt.Errorf("query job %s: %w", jobID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return JobStatus{}, fmt.Errorf("query job %s: status %d: %s", jobID, resp.StatusCode, body)
	}

	var op operationPayload
	if err := json.NewDecoder(resp.Body).Decode(&op); err != nil {
		return JobStatus{}, fmt.Errorf("decode job %s status: %w", jobID, err)
	}

	return reduceOperation(op), nil
}

// reduceOperation maps a raw operation payload onto the fixed phase
// vocabulary. A payload with no state but done=true reports succeeded.
func reduceOperation(op operationPayload) JobStatus {
	state := op.Metadata.State
	if state == "" && op.Done {
		state = "SUCCEEDED"
	}

	st := JobStatus{Phase: Phase(strings.ToLower(state))}
	if op.Error != nil {
		st.Error = op.Error.Message
	}
	return st
}

// StartExport submits a new export job for a layer, targeting the given
// bucket and prefix, and returns the remote job handle.
func (c *HTTPClient) StartExport(ctx context.Context, layerName string, dest blobstore.Location) (string, error) {
	url := fmt.Sprintf("%s/projects/%s/exports", c.baseURL, c.project)

	body, err := json.Marshal(map[string]string{
		"layer":  layerName,
		"bucket": dest.Bucket,
		"prefix": dest.Prefix,
	})
	if err != nil {
		return "", fmt.Errorf("encode export request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build export request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit export for %s: %w", layerName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("submit export for %s: status %d: %s", layerName, resp.StatusCode, respBody)
	}

	var out struct {
		JobID string `json:"job_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode export response for %s: %w", layerName, err)
	}
	if out.JobID == "" {
		return "", fmt.Errorf("export response for %s carried no job id", layerName)
	}
	return out.JobID, nil
}

var (
	_ Client   = (*HTTPClient)(nil)
	_ Exporter = (*HTTPClient)(nil)
)
