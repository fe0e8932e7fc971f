package capability

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/reelforge/reelforge/pkg/core"
)

// VideoClient implements VideoGenerator against an HTTP generation backend:
// POST /v1/generate returns a job id, then GET /v1/jobs/{id} is polled on a
// ticker until the job reaches a terminal status.
type VideoClient struct {
	endpoint    string
	httpClient  *http.Client
	pollEvery   time.Duration
	pollTimeout time.Duration
}

// NewVideoClient creates a client for the backend at endpoint.
func NewVideoClient(endpoint string, pollEvery, pollTimeout time.Duration) *VideoClient {
	return &VideoClient{
		endpoint:    strings.TrimRight(endpoint, "/"),
		httpClient:  &http.Client{Timeout: 60 * time.Second},
		pollEvery:   pollEvery,
		pollTimeout: pollTimeout,
	}
}

type videoJob struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	ResultURL string `json:"resultUrl,omitempty"`
	Error     string `json:"error,omitempty"`
}

// GenerateVideo dispatches a generation job and polls it to completion.
func (c *VideoClient) GenerateVideo(ctx context.Context, prompt string, keyframes [][]byte, refs [][]byte) (*Asset, error) {
	jobID, err := c.dispatch(ctx, prompt, keyframes, refs)
	if err != nil {
		return nil, err
	}
	return c.poll(ctx, jobID)
}

func (c *VideoClient) dispatch(ctx context.Context, prompt string, keyframes, refs [][]byte) (string, error) {
	encode := func(imgs [][]byte) []string {
		out := make([]string, len(imgs))
		for i, b := range imgs {
			out[i] = base64.StdEncoding.EncodeToString(b)
		}
		return out
	}

	body, err := json.Marshal(map[string]any{
		"prompt":    prompt,
		"keyframes": encode(keyframes),
		"refs":      encode(refs),
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/v1/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", core.Transient(fmt.Errorf("dispatch: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return "", &core.SafetyRejectionError{Prompt: prompt, Reason: "backend rejected prompt"}
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return "", core.Transient(fmt.Errorf("dispatch status %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted:
		return "", fmt.Errorf("dispatch status %d", resp.StatusCode)
	}

	var job videoJob
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return "", fmt.Errorf("decode dispatch response: %w", err)
	}
	if job.ID == "" {
		return "", fmt.Errorf("dispatch response missing job id")
	}
	return job.ID, nil
}

func (c *VideoClient) poll(ctx context.Context, jobID string) (*Asset, error) {
	jobURL := fmt.Sprintf("%s/v1/jobs/%s", c.endpoint, jobID)

	timeout := time.After(c.pollTimeout)
	ticker := time.NewTicker(c.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout:
			return nil, core.Transient(fmt.Errorf("job %s: polling timeout", jobID))
		case <-ticker.C:
			job, err := c.fetchJob(ctx, jobURL)
			if err != nil {
				// Network blips during polling are absorbed; the outer
				// timeout bounds the total wait.
				continue
			}
			switch job.Status {
			case "succeeded", "success", "completed":
				return c.download(ctx, job.ResultURL)
			case "failed", "error":
				if strings.Contains(strings.ToLower(job.Error), "safety") {
					return nil, &core.SafetyRejectionError{Reason: job.Error}
				}
				return nil, fmt.Errorf("job %s failed: %s", jobID, job.Error)
			}
		}
	}
}

func (c *VideoClient) fetchJob(ctx context.Context, jobURL string) (*videoJob, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jobURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("poll status %d", resp.StatusCode)
	}

	var job videoJob
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *VideoClient) download(ctx context.Context, url string) (*Asset, error) {
	if url == "" {
		return nil, fmt.Errorf("completed job has no result url")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build download: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, core.Transient(fmt.Errorf("download: %w", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, core.Transient(fmt.Errorf("download status %d", resp.StatusCode))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, core.Transient(fmt.Errorf("download read: %w", err))
	}
	return &Asset{Bytes: data, MimeType: "video/mp4"}, nil
}
