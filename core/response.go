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
	"net/http"
	"strconv"
	"strings"

	"github.com/valandreev/sitecache/pkg/cache/registry"
)

// Source tells where a response came from.
type Source string

const (
	SourceNetwork     Source = "network"
	SourceCache       Source = "cache"
	SourceStale       Source = "stale"
	SourceOffline     Source = "offline"
	SourceSynthesized Source = "synthesized"
	SourcePassthrough Source = "passthrough"
)

const (
	HeaderSource   = "X-Sitecache-Source"
	HeaderStrategy = "X-Sitecache-Strategy"
)

// hop-by-hop headers are never stored or forwarded.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	Source   Source
	Strategy string
}

func (r *Response) OK() bool {
	return r.Status == http.StatusOK
}

// Cacheable reports whether the response may be written to a partition.
func (r *Response) Cacheable() bool {
	if !r.OK() {
		return false
	}
	for _, v := range r.Header.Values("Cache-Control") {
		if strings.Contains(strings.ToLower(v), "no-store") {
			return false
		}
	}
	return true
}

// WriteTo writes the response to an HTTP client.
func (r *Response) WriteTo(w http.ResponseWriter) {
	h := w.Header()
	for k, vs := range r.Header {
		h[k] = append([]string(nil), vs...)
	}
	for _, k := range hopHeaders {
		h.Del(k)
	}
	h.Set("Content-Length", strconv.Itoa(len(r.Body)))
	h.Set(HeaderSource, string(r.Source))
	if r.Strategy != "" {
		h.Set(HeaderStrategy, r.Strategy)
	}
	w.WriteHeader(r.Status)
	_, _ = w.Write(r.Body)
}

func responseFromEntry(e registry.Entry, source Source) *Response {
	header := e.Meta.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	return &Response{
		Status: e.Meta.Status,
		Header: header,
		Body:   e.Body,
		Source: source,
	}
}

func (r *Response) toStored(method, rawURL string) registry.Response {
	header := r.Header.Clone()
	for _, k := range hopHeaders {
		header.Del(k)
	}
	header.Del(HeaderSource)
	header.Del(HeaderStrategy)
	return registry.Response{
		Method: method,
		URL:    rawURL,
		Status: r.Status,
		Header: header,
		Body:   r.Body,
	}
}

// synthesizedOffline is the last resort when neither the network nor any
// cache can answer.
func synthesizedOffline(navigation bool) *Response {
	if navigation {
		return &Response{
			Status: http.StatusServiceUnavailable,
			Header: http.Header{
				"Content-Type":  []string{"text/html; charset=utf-8"},
				"Cache-Control": []string{"no-store"},
			},
			Body:   []byte("<!doctype html><title>Offline</title><h1>You are offline</h1>"),
			Source: SourceSynthesized,
		}
	}
	return &Response{
		Status: http.StatusServiceUnavailable,
		Header: http.Header{
			"Content-Type":  []string{"application/json"},
			"Cache-Control": []string{"no-store"},
		},
		Body:   []byte(`{"error":"offline"}`),
		Source: SourceSynthesized,
	}
}

func badGateway() *Response {
	return &Response{
		Status: http.StatusBadGateway,
		Header: http.Header{},
		Source: SourcePassthrough,
	}
}

// isNavigation reports whether the request loads a page rather than a sub-resource.
func isNavigation(r *http.Request) bool {
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}
