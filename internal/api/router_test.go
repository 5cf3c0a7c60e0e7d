package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/SirClappington/deltasync/internal/delta"
	"github.com/SirClappington/deltasync/internal/domain"
	"github.com/SirClappington/deltasync/internal/queue"
)

type recorder struct {
	mu     sync.Mutex
	owners []string
}

func (r *recorder) Enqueue(_ context.Context, ownerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.owners = append(r.owners, ownerID)
	return nil
}

func (r *recorder) RegisterOwner(ctx context.Context, ownerID string) error {
	return r.Enqueue(ctx, ownerID)
}

type fixture struct {
	store   *queue.MemoryStore
	cursors *delta.MemoryCursorStore
	pulls   *recorder
	syncs   *recorder
	owners  *recorder
	srv     *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		store:   queue.NewMemoryStore(),
		cursors: delta.NewMemoryCursorStore(),
		pulls:   &recorder{},
		syncs:   &recorder{},
		owners:  &recorder{},
	}
	f.srv = httptest.NewServer(NewRouter(Options{
		Queue:   f.store,
		Cursors: f.cursors,
		Owners:  f.owners,
		Pull:    f.pulls,
		Sync:    f.syncs,
		Logger:  zaptest.NewLogger(t),
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestEnqueueItemsQueuesAndKicksSync(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodPost, "/v1/owners/u1/items", `{"keys":["c1","c2","c1"]}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var body enqueueResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Enqueued != 2 || body.OwnerID != "u1" {
		t.Fatalf("unexpected body %+v", body)
	}
	if depth, _ := f.store.Depth(context.Background(), domain.SyncQueue, "u1"); depth != 2 {
		t.Fatalf("expected 2 sync items, got %d", depth)
	}
	if len(f.syncs.owners) != 1 || f.syncs.owners[0] != "u1" {
		t.Fatalf("expected one sync kick, got %v", f.syncs.owners)
	}
}

func TestEnqueueItemsValidatesBody(t *testing.T) {
	f := newFixture(t)
	for _, body := range []string{`not json`, `{"keys":[]}`} {
		if resp := f.do(t, http.MethodPost, "/v1/owners/u1/items", body); resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("body %q: expected 400, got %d", body, resp.StatusCode)
		}
	}
	if resp := f.do(t, http.MethodPost, "/v1/owners/u1/items", `{"keys":[""]}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty key: expected 400, got %d", resp.StatusCode)
	}
}

func TestEnqueueItemsRejectsWholeBatchOnBadKey(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodPost, "/v1/owners/u1/items", `{"keys":["c1","","c3"]}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if depth, _ := f.store.Depth(context.Background(), domain.SyncQueue, "u1"); depth != 0 {
		t.Fatalf("expected nothing enqueued, depth %d", depth)
	}
	if len(f.syncs.owners) != 0 {
		t.Fatalf("expected no sync kick, got %v", f.syncs.owners)
	}
}

func TestKickPull(t *testing.T) {
	f := newFixture(t)
	if resp := f.do(t, http.MethodPost, "/v1/owners/u7/pull", ""); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	if len(f.pulls.owners) != 1 || f.pulls.owners[0] != "u7" {
		t.Fatalf("unexpected pulls %v", f.pulls.owners)
	}
}

func TestRegisterOwner(t *testing.T) {
	f := newFixture(t)
	if resp := f.do(t, http.MethodPut, "/v1/owners/u3", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if len(f.owners.owners) != 1 || f.owners.owners[0] != "u3" {
		t.Fatalf("unexpected registrations %v", f.owners.owners)
	}
}

func TestStatusReportsDepthsAndCursor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _ = f.store.Enqueue(ctx, domain.NewItem{Queue: domain.SyncQueue, OwnerID: "u1", DedupeKey: "a"})
	_, _ = f.store.Enqueue(ctx, domain.NewItem{Queue: domain.PlanQueue, OwnerID: "u1", DedupeKey: "b"})
	_ = f.cursors.SetCursor(ctx, "u1", "https://feed.test/delta?token=x")

	resp := f.do(t, http.MethodGet, "/v1/owners/u1/status", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Queued["sync"] != 1 || body.Queued["work"] != 0 || body.Queued["plan"] != 1 {
		t.Fatalf("unexpected depths %v", body.Queued)
	}
	if body.Cursor == nil || *body.Cursor != "https://feed.test/delta?token=x" {
		t.Fatalf("unexpected cursor %v", body.Cursor)
	}

	resp = f.do(t, http.MethodGet, "/v1/owners/nobody/status", "")
	var empty statusResponse
	_ = json.NewDecoder(resp.Body).Decode(&empty)
	if empty.Cursor != nil {
		t.Fatalf("expected null cursor for unknown owner")
	}
}
