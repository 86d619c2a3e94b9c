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
	"fmt"
	"net/url"
	"regexp"

	"github.com/valandreev/sitecache/pkg/cache"
)

type StrategyKind int

const (
	StaleWhileRevalidate StrategyKind = iota
	CacheFirst
	NetworkFirst
)

func (k StrategyKind) String() string {
	switch k {
	case CacheFirst:
		return "cache-first"
	case NetworkFirst:
		return "network-first"
	default:
		return "stale-while-revalidate"
	}
}

// Purpose is the partition a strategy reads and writes.
func (k StrategyKind) Purpose() cache.Purpose {
	if k == CacheFirst {
		return cache.PurposeStatic
	}
	return cache.PurposeDynamic
}

type Rule struct {
	Pattern *regexp.Regexp
	Kind    StrategyKind
}

// Selector maps request URLs to strategies. Rules are immutable once built;
// cache-first rules come before network-first ones.
type Selector struct {
	rules []Rule
}

func NewSelector(routes cache.RoutesConfig) (*Selector, error) {
	s := &Selector{}
	add := func(patterns []string, kind StrategyKind) error {
		for _, p := range patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return fmt.Errorf("%s pattern %q: %w", kind, p, err)
			}
			s.rules = append(s.rules, Rule{Pattern: re, Kind: kind})
		}
		return nil
	}
	if err := add(routes.CacheFirst, CacheFirst); err != nil {
		return nil, err
	}
	if err := add(routes.NetworkFirst, NetworkFirst); err != nil {
		return nil, err
	}
	return s, nil
}

// Select returns the first matching rule's strategy. Cache-first patterns see
// the path only; network-first patterns also see the query string.
func (s *Selector) Select(u *url.URL) StrategyKind {
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	withQuery := path
	if u.RawQuery != "" {
		withQuery += "?" + u.RawQuery
	}
	for _, r := range s.rules {
		subject := path
		if r.Kind == NetworkFirst {
			subject = withQuery
		}
		if r.Pattern.MatchString(subject) {
			return r.Kind
		}
	}
	return StaleWhileRevalidate
}

func (s *Selector) Rules() []Rule {
	out := make([]Rule, len(s.rules))
	copy(out, s.rules)
	return out
}
