// Package deploy turns packaged artifacts into running services through an
// external build platform, tracking progress on the job record.
package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// BuildStep is one container invocation of a build program.
type BuildStep struct {
	Name       string   `json:"name"`
	Entrypoint string   `json:"entrypoint,omitempty"`
	Args       []string `json:"args"`
}

// BuildRequest describes a full build: the artifact to unpack as build
// context and the steps to run against it.
type BuildRequest struct {
	Source struct {
		Bucket string `json:"bucket"`
		Object string `json:"object"`
	} `json:"source"`
	Steps  []BuildStep `json:"steps"`
	Images []string    `json:"images,omitempty"`
}

// Platform abstracts the build and serving backend.
type Platform interface {
	// SubmitBuild starts a build and returns its reference without
	// waiting for completion.
	SubmitBuild(ctx context.Context, req BuildRequest) (string, error)
	// ServiceURL returns the public URL of a deployed service, or empty
	// string while the service is not ready yet.
	ServiceURL(ctx context.Context, service string) (string, error)
}

// HTTPPlatform talks to a Cloud Build style REST API.
type HTTPPlatform struct {
	baseURL    string
	project    string
	region     string
	httpClient *http.Client
}

// NewHTTPPlatform creates a Platform client against baseURL.
func NewHTTPPlatform(baseURL, project, region string) *HTTPPlatform {
	return &HTTPPlatform{
		baseURL:    baseURL,
		project:    project,
		region:     region,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *HTTPPlatform) SubmitBuild(ctx context.Context, build BuildRequest) (string, error) {
	body, err := json.Marshal(struct {
		Build BuildRequest `json:"build"`
	}{Build: build})
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/v1/projects/%s/builds", p.baseURL, p.project)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("submitting build: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("build submission failed with status %d: %s", resp.StatusCode, raw)
	}

	var op struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &op); err != nil {
		return "", fmt.Errorf("decoding build operation: %w", err)
	}
	if op.Name == "" {
		return "", fmt.Errorf("build operation has no name")
	}
	return op.Name, nil
}

// ServiceURL polls the serving API for the service's public address. Any
// non-200 answer means the service is not ready yet, not an error; the
// caller keeps polling.
func (p *HTTPPlatform) ServiceURL(ctx context.Context, service string) (string, error) {
	url := fmt.Sprintf("%s/v1/projects/%s/locations/%s/services/%s", p.baseURL, p.project, p.region, service)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return "", nil
	}

	var svc struct {
		Status struct {
			Address struct {
				URL string `json:"url"`
			} `json:"address"`
		} `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&svc); err != nil {
		return "", err
	}
	return svc.Status.Address.URL, nil
}
