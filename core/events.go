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

	"github.com/valandreev/sitecache/pkg/cache/syncqueue"
)

type EventKind string

const (
	EventInstall  EventKind = "install"
	EventActivate EventKind = "activate"
	EventFetch    EventKind = "fetch"
	EventMessage  EventKind = "message"
	EventSync     EventKind = "sync"
)

// Event is anything the worker reacts to. Handlers fill the result fields of
// the concrete event before Dispatch returns.
type Event interface {
	Kind() EventKind
}

type InstallEvent struct{}

func (*InstallEvent) Kind() EventKind { return EventInstall }

type ActivateEvent struct {
	// Deleted lists partitions removed as belonging to older versions.
	Deleted []string
}

func (*ActivateEvent) Kind() EventKind { return EventActivate }

type FetchEvent struct {
	Request  *http.Request
	Response *Response
}

func (*FetchEvent) Kind() EventKind { return EventFetch }

type MessageEvent struct {
	Message Message
	// Reply stays nil for commands that are ignored.
	Reply *Message
}

func (*MessageEvent) Kind() EventKind { return EventMessage }

type SyncEvent struct {
	Tag    syncqueue.Tag
	Report syncqueue.Report
}

func (*SyncEvent) Kind() EventKind { return EventSync }
