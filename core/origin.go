// Copyright 2024 Tigris Data, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/valandreev/sitecache/pkg/cache"
)

// maxBodyBytes bounds how much of an origin response is buffered.
var maxBodyBytes int64 = 64 << 20

// ErrBodyTooLarge is returned instead of a truncated response, which would
// otherwise be cached as if it were complete.
var ErrBodyTooLarge = errors.New("origin body too large")

// Origin is where the site content lives. Fetch returns an error only when no
// answer was received; any HTTP status is a response.
type Origin interface {
	Fetch(ctx context.Context, req *http.Request) (*Response, error)
	Online(ctx context.Context) bool
}

// NewOrigin picks the origin implementation from the configured URL scheme.
func NewOrigin(conf *cache.Config, client *http.Client) (Origin, error) {
	u, err := url.Parse(conf.Origin)
	if err != nil {
		return nil, fmt.Errorf("parse origin: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
		return NewHTTPOrigin(conf.Origin, client)
	case "s3":
		return NewS3Origin(conf.Origin, conf.S3)
	default:
		return nil, fmt.Errorf("unsupported origin scheme %q", u.Scheme)
	}
}

type HTTPOrigin struct {
	base   *url.URL
	client *http.Client
}

func NewHTTPOrigin(base string, client *http.Client) (*HTTPOrigin, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("origin must be http or https, got %q", base)
	}
	if client == nil {
		client = &http.Client{
			// Redirects are handed back to the page like a browser fetch would see them.
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		}
	}
	return &HTTPOrigin{base: u, client: client}, nil
}

// Fetch forwards req to the origin, keeping method, body and end-to-end headers.
func (o *HTTPOrigin) Fetch(ctx context.Context, req *http.Request) (*Response, error) {
	target := o.base.ResolveReference(&url.URL{
		Path:     joinPath(o.base.Path, req.URL.Path),
		RawQuery: req.URL.RawQuery,
	})

	var body io.Reader
	if req.Body != nil && req.Method != http.MethodGet && req.Method != http.MethodHead {
		body = req.Body
	}
	out, err := http.NewRequestWithContext(ctx, req.Method, target.String(), body)
	if err != nil {
		return nil, err
	}
	out.Header = req.Header.Clone()
	if out.Header == nil {
		out.Header = http.Header{}
	}
	for _, k := range hopHeaders {
		out.Header.Del(k)
	}
	out.ContentLength = req.ContentLength

	resp, err := o.client.Do(out)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := readBody(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read origin body %s: %w", target.Path, err)
	}
	return &Response{
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
		Body:   data,
		Source: SourceNetwork,
	}, nil
}

func readBody(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBodyBytes {
		return nil, fmt.Errorf("%w: over %d bytes", ErrBodyTooLarge, maxBodyBytes)
	}
	return data, nil
}

// Online treats any HTTP answer as reachable.
func (o *HTTPOrigin) Online(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, o.base.String(), nil)
	if err != nil {
		return false
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return true
}

func joinPath(base, p string) string {
	if base == "" || base == "/" {
		return p
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(p, "/")
}
