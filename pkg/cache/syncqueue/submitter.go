package syncqueue

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/valandreev/sitecache/pkg/cache/index"
)

// StatusError reports a non-2xx answer from a sync endpoint.
type StatusError struct {
	Endpoint string
	Code     int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("sync endpoint %s answered %d", e.Endpoint, e.Code)
}

// HTTPSubmitter POSTs task payloads to per-tag endpoints resolved against Base.
type HTTPSubmitter struct {
	Client    *http.Client
	Base      *url.URL
	Endpoints map[Tag]string
}

// NewHTTPSubmitter resolves endpoints (absolute URLs or paths) against base.
func NewHTTPSubmitter(base string, endpoints map[string]string, client *http.Client) (*HTTPSubmitter, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("sync queue: parse base %q: %w", base, err)
	}
	resolved := make(map[Tag]string, len(endpoints))
	for name, endpoint := range endpoints {
		tag, err := ParseTag(name)
		if err != nil {
			return nil, err
		}
		resolved[tag] = endpoint
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSubmitter{Client: client, Base: u, Endpoints: resolved}, nil
}

// Submit sends the stored payload. Any 2xx status counts as delivered.
func (s *HTTPSubmitter) Submit(ctx context.Context, task index.TaskRecord) error {
	endpoint, ok := s.Endpoints[Tag(task.Tag)]
	if !ok {
		return fmt.Errorf("%w: no endpoint for %q", ErrUnknownTag, task.Tag)
	}
	ref, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("sync queue: endpoint %q: %w", endpoint, err)
	}
	target := s.Base.ResolveReference(ref).String()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(task.Payload))
	if err != nil {
		return err
	}
	contentType := task.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Sitecache-Task", task.ID)

	resp, err := s.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Endpoint: target, Code: resp.StatusCode}
	}
	return nil
}
