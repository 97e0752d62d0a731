package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"sigsum.org/ct-mirror/internal/testonly"
	"sigsum.org/ct-mirror/internal/types"
)

// newTestServer serves a testonly.Log, returning at most maxEntries
// entries per get-entries request.
func newTestServer(t *testing.T, l *testonly.Log, maxEntries uint64) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/ct/v1/get-sth", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(l.STH(l.Size(), 1000))
	})
	mux.HandleFunc("/ct/v1/get-entries", func(w http.ResponseWriter, r *http.Request) {
		start, err := strconv.ParseUint(r.URL.Query().Get("start"), 10, 64)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		end, err := strconv.ParseUint(r.URL.Query().Get("end"), 10, 64)
		if err != nil || end < start || start >= l.Size() {
			http.Error(w, "bad range", http.StatusBadRequest)
			return
		}
		end++
		if end > l.Size() {
			end = l.Size()
		}
		if end-start > maxEntries {
			end = start + maxEntries
		}
		json.NewEncoder(w).Encode(struct {
			Entries []types.Entry `json:"entries"`
		}{l.Entries(start, end)})
	})
	mux.HandleFunc("/ct/v1/get-sth-consistency", func(w http.ResponseWriter, r *http.Request) {
		first, err1 := strconv.ParseUint(r.URL.Query().Get("first"), 10, 64)
		second, err2 := strconv.ParseUint(r.URL.Query().Get("second"), 10, 64)
		if err1 != nil || err2 != nil || first == 0 || first > second || second > l.Size() {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(struct {
			Consistency [][]byte `json:"consistency"`
		}{l.ConsistencyProof(first, second)})
	})
	s := httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func TestGetSTH(t *testing.T) {
	l := testonly.NewLog(t, 7)
	s := newTestServer(t, l, 100)
	c, err := New(s.URL, 5*time.Second, 0)
	if err != nil {
		t.Fatal(err)
	}
	sth, err := c.GetSTH(context.Background())
	if err != nil {
		t.Fatalf("GetSTH failed: %v", err)
	}
	want := l.STH(7, 1000)
	if sth.TreeSize != want.TreeSize || sth.Timestamp != want.Timestamp || sth.RootHash != want.RootHash {
		t.Errorf("got tree head %v, wanted %v", sth, want)
	}
	if !bytes.Equal(sth.Signature[:4], want.Signature[:4]) {
		t.Errorf("unexpected signature header %x", sth.Signature[:4])
	}
}

func TestGetEntries(t *testing.T) {
	l := testonly.NewLog(t, 20)
	s := newTestServer(t, l, 4)
	c, err := New(s.URL, 5*time.Second, 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, table := range []struct {
		start, end uint64
		wantCount  int
		wantErr    bool
	}{
		{0, 3, 3, false},
		{5, 15, 4, false},
		{19, 20, 1, false},
		{20, 25, 0, true},
		{5, 5, 0, true},
	} {
		desc := fmt.Sprintf("[%d, %d)", table.start, table.end)
		entries, err := c.GetEntries(context.Background(), table.start, table.end)
		if got, want := err != nil, table.wantErr; got != want {
			t.Errorf("%s: got error %v but wanted %v: %v", desc, got, want, err)
			continue
		}
		if err != nil {
			continue
		}
		if len(entries) != table.wantCount {
			t.Errorf("%s: got %d entries, wanted %d", desc, len(entries), table.wantCount)
		}
		for i, entry := range entries {
			if got, want := entry.LeafInput, []byte{uint8(table.start) + uint8(i)}; !bytes.Equal(got, want) {
				t.Errorf("%s: entry %d: got leaf input %x, wanted %x", desc, i, got, want)
			}
		}
	}
}

func TestGetConsistencyProof(t *testing.T) {
	l := testonly.NewLog(t, 10)
	s := newTestServer(t, l, 100)
	c, err := New(s.URL, 5*time.Second, 0)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	proof, err := c.GetConsistencyProof(ctx, 3, 10)
	if err != nil {
		t.Fatalf("GetConsistencyProof failed: %v", err)
	}
	want := l.ConsistencyProof(3, 10)
	if len(proof) != len(want) {
		t.Fatalf("got proof of length %d, wanted %d", len(proof), len(want))
	}
	for i := range proof {
		if !bytes.Equal(proof[i], want[i]) {
			t.Errorf("proof element %d differs", i)
		}
	}
	for _, sizes := range [][2]uint64{{0, 10}, {10, 10}} {
		proof, err := c.GetConsistencyProof(ctx, sizes[0], sizes[1])
		if err != nil || len(proof) != 0 {
			t.Errorf("sizes %v: got proof %x, error %v, wanted empty proof", sizes, proof, err)
		}
	}
	if _, err := c.GetConsistencyProof(ctx, 10, 3); err == nil {
		t.Errorf("inverted sizes accepted")
	}
}

func TestUnreachable(t *testing.T) {
	s := httptest.NewServer(http.NotFoundHandler())
	c, err := New(s.URL, time.Second, 0)
	if err != nil {
		t.Fatal(err)
	}
	s.Close()
	if _, err := c.GetSTH(context.Background()); err == nil {
		t.Errorf("GetSTH from closed server succeeded")
	}
}

func TestRateLimit(t *testing.T) {
	l := testonly.NewLog(t, 1)
	s := newTestServer(t, l, 100)
	c, err := New(s.URL, 5*time.Second, 1)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := c.GetSTH(ctx); err != nil {
		t.Fatalf("first request failed: %v", err)
	}
	// The second request would have to wait for a second.
	if _, err := c.GetSTH(ctx); err == nil {
		t.Errorf("rate limit not applied")
	}
}
