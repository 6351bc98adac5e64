package syncclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"notesync/pkg/httpx"
	"notesync/pkg/notes"
)

type scriptedFetcher struct {
	mu      sync.Mutex
	results [][]notes.Record
	errs    []error
	calls   int
}

func (f *scriptedFetcher) Fetch(ctx context.Context) ([]notes.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.results) {
		return f.results[i], nil
	}
	return f.results[len(f.results)-1], nil
}

func waitView(t *testing.T, updates <-chan View) View {
	t.Helper()
	select {
	case v := <-updates:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for view update")
		return View{}
	}
}

func TestClientKeepsPreviousViewOnFailure(t *testing.T) {
	t.Parallel()

	first := []notes.Record{{ID: "1", Owner: "alice", Title: "x"}}
	second := []notes.Record{{ID: "1", Owner: "alice", Title: "x"}, {ID: "2", Owner: "alice", Title: "y"}}
	f := &scriptedFetcher{
		results: [][]notes.Record{first, nil, second},
		errs:    []error{nil, errors.New("http 503: note store unavailable"), nil},
	}
	updates := make(chan View, 8)
	c := New(f)
	c.OnUpdate = func(v View) { updates <- v }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	v := waitView(t, updates)
	if v.Err != nil || len(v.Records) != 1 || v.Revision != 1 {
		t.Fatalf("unexpected initial view %+v", v)
	}

	c.Notify()
	v = waitView(t, updates)
	if v.Err == nil {
		t.Fatal("expected failure to be surfaced")
	}
	if len(v.Records) != 1 || v.Revision != 1 {
		t.Fatalf("expected previous view retained, got %+v", v)
	}

	c.Notify()
	v = waitView(t, updates)
	if v.Err != nil || len(v.Records) != 2 || v.Revision != 2 {
		t.Fatalf("expected recovered view, got %+v", v)
	}
}

func TestClientDuplicateSignalsConverge(t *testing.T) {
	t.Parallel()

	view := []notes.Record{{ID: "1", Owner: "alice", Title: "x"}}
	f := &scriptedFetcher{results: [][]notes.Record{view}}
	updates := make(chan View, 8)
	c := New(f)
	c.OnUpdate = func(v View) { updates <- v }
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	once := waitView(t, updates)

	c.Notify()
	c.Notify()
	twice := waitView(t, updates)
	if len(once.Records) != len(twice.Records) || once.Records[0] != twice.Records[0] {
		t.Fatalf("expected identical end state, got %+v vs %+v", once.Records, twice.Records)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	t.Parallel()

	c := New(&scriptedFetcher{results: [][]notes.Record{{{ID: "1", Title: "x"}}}})
	c.refresh(context.Background())
	snap := c.Snapshot()
	snap.Records[0].Title = "mutated"
	if c.Snapshot().Records[0].Title != "x" {
		t.Fatal("snapshot must not alias internal state")
	}
}

func TestHTTPFetcher(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/notes" || r.Header.Get("Authorization") != "Bearer tok" {
			httpx.Error(w, http.StatusUnauthorized, "invalid token")
			return
		}
		httpx.WriteJSON(w, http.StatusOK, []notes.Record{{ID: "n1", Owner: "alice", Title: "x"}})
	}))
	defer srv.Close()

	got, err := HTTPFetcher{Client: httpx.NewClient(srv.URL, "tok", time.Second)}.Fetch(context.Background())
	if err != nil || len(got) != 1 || got[0].ID != "n1" {
		t.Fatalf("unexpected fetch %+v err=%v", got, err)
	}
	if _, err := (HTTPFetcher{Client: httpx.NewClient(srv.URL, "bad", time.Second)}).Fetch(context.Background()); err == nil {
		t.Fatal("expected unauthorized error")
	}
}
