package cache_test

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/valandreev/sitecache/pkg/cache"
	"github.com/valandreev/sitecache/pkg/cache/files"
	"github.com/valandreev/sitecache/pkg/cache/index"
	indexbbolt "github.com/valandreev/sitecache/pkg/cache/index/bbolt"
	"github.com/valandreev/sitecache/pkg/cache/registry"
	"github.com/valandreev/sitecache/pkg/cache/syncqueue"
)

type refusingSubmitter struct{}

func (refusingSubmitter) Submit(context.Context, index.TaskRecord) error {
	return &syncqueue.StatusError{Endpoint: "/api/contact", Code: http.StatusBadGateway}
}

func openRegistry(t *testing.T, dir string) (*registry.Registry, *indexbbolt.Index) {
	t.Helper()
	idx, err := indexbbolt.Open(filepath.Join(dir, "index.db"), indexbbolt.Options{NoSync: true})
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	blobs, err := files.NewBlobStore(filepath.Join(dir, "blobs"))
	if err != nil {
		t.Fatalf("open blobs: %v", err)
	}
	policies := registry.PoliciesFromConfig(cache.PartitionsConfig{
		Dynamic: cache.PartitionPolicyConfig{MaxEntries: 2},
	})
	reg, err := registry.New("folio", idx, blobs, policies)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return reg, idx
}

func TestEntriesAndTasksSurviveRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	dynamic := cache.PartitionName("folio", "v1", cache.PurposeDynamic)

	reg, idx := openRegistry(t, dir)
	for _, p := range []string{"/a", "/b", "/c"} {
		resp := registry.Response{Status: http.StatusOK, Header: http.Header{"Content-Type": {"text/html"}}, Body: []byte("page " + p)}
		if err := reg.Put(ctx, dynamic, "GET "+p, resp); err != nil {
			t.Fatalf("put %s: %v", p, err)
		}
	}

	queue, err := syncqueue.New(syncqueue.Config{}, idx, refusingSubmitter{})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	if _, err := queue.Enqueue(ctx, syncqueue.TagContactForm, []byte(`{"message":"hi"}`), "application/json"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if report, err := queue.Sync(ctx, syncqueue.TagContactForm); err != nil || report.Remaining != 1 {
		t.Fatalf("expected failed drain to keep the task, report=%+v err=%v", report, err)
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("close index: %v", err)
	}

	reg, idx = openRegistry(t, dir)
	defer idx.Close()

	keys, err := reg.Keys(ctx, dynamic)
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 2 || keys[0] != "GET /b" || keys[1] != "GET /c" {
		t.Fatalf("expected FIFO-trimmed [GET /b GET /c], got %v", keys)
	}
	entry, err := reg.Match(ctx, dynamic, "GET /c")
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if string(entry.Body) != "page /c" {
		t.Fatalf("unexpected body %q", entry.Body)
	}

	tasks, err := idx.ListTasks(ctx, string(syncqueue.TagContactForm))
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Attempts != 1 {
		t.Fatalf("expected one task with one attempt, got %+v", tasks)
	}
}
