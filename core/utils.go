// Copyright 2015 - 2017 Ka-Hing Cheung
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

	"golang.org/x/sync/semaphore"
)

func MaxInt(a, b int) int {
	if a > b {
		return a
	} else {
		return b
	}
}

func MinInt(a, b int) int {
	if a < b {
		return a
	} else {
		return b
	}
}

// Semaphore is a counting semaphore implementation using golang.org/x/sync/semaphore.
type Semaphore struct {
	sem *semaphore.Weighted
}

// NewSemaphore creates a new semaphore with the given initial count.
func NewSemaphore(n int) *Semaphore {
	if n < 1 {
		n = 1
	}
	return &Semaphore{
		sem: semaphore.NewWeighted(int64(n)),
	}
}

// Acquire takes one slot, blocking until one is free or ctx is done.
func (s *Semaphore) Acquire(ctx context.Context) error {
	return s.sem.Acquire(ctx, 1)
}

// Release returns one slot.
func (s *Semaphore) Release() {
	s.sem.Release(1)
}
