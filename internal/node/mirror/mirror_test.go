package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang/mock/gomock"

	"sigsum.org/ct-mirror/internal/consistent"
	mocksDB "sigsum.org/ct-mirror/internal/mocks/db"
	"sigsum.org/ct-mirror/internal/node/handler"
	"sigsum.org/ct-mirror/internal/types"
)

type fakeServing struct {
	sth   types.SignedTreeHead
	err   error
	local *types.SignedTreeHead
}

func (f fakeServing) ServingSTH(context.Context) (types.SignedTreeHead, error) {
	return f.sth, f.err
}

func (f fakeServing) LocalSTH() (types.SignedTreeHead, bool) {
	if f.local == nil {
		return types.SignedTreeHead{}, false
	}
	return *f.local, true
}

type fakeStorage uint64

func (f fakeStorage) CurrentTreeSize(context.Context) (uint64, error) { return uint64(f), nil }

type fakeLeader bool

func (f fakeLeader) IsMaster() bool { return bool(f) }

type fakeVerified uint64

func (f fakeVerified) LatestVerifiedSize() uint64 { return uint64(f) }

type fakeQueue int

func (f fakeQueue) Len(context.Context) (int, error) { return int(f), nil }

func TestGetSTH(t *testing.T) {
	sth := types.SignedTreeHead{TreeSize: 10, Timestamp: 1000, RootHash: [32]byte{1}, Signature: []byte{4, 3, 0, 1, 0}}
	older := types.SignedTreeHead{TreeSize: 5, Timestamp: 900, RootHash: [32]byte{2}, Signature: []byte{4, 3, 0, 1, 0}}
	for _, table := range []struct {
		desc     string
		serving  fakeServing
		size     uint64
		wantCode int
		want     types.SignedTreeHead
	}{
		{"no tree head", fakeServing{err: consistent.ErrNotFound}, 10, http.StatusServiceUnavailable, sth},
		{"store failure", fakeServing{err: fmt.Errorf("mocked error")}, 10, http.StatusInternalServerError, sth},
		{"success", fakeServing{sth: sth}, 10, http.StatusOK, sth},
		{"storage ahead", fakeServing{sth: sth}, 20, http.StatusOK, sth},
		{"storage behind", fakeServing{sth: sth}, 5, http.StatusServiceUnavailable, sth},
		{"storage behind, local head", fakeServing{sth: sth, local: &older}, 7, http.StatusOK, older},
		{"local head not stored", fakeServing{sth: sth, local: &older}, 4, http.StatusServiceUnavailable, sth},
	} {
		m := Mirror{Config: handler.Config{Timeout: time.Minute}, Serving: table.serving, Storage: fakeStorage(table.size)}
		w := httptest.NewRecorder()
		m.PublicHTTPMux("").ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ct/v1/get-sth", nil))
		if w.Code != table.wantCode {
			t.Errorf("%s: got status %d, wanted %d", table.desc, w.Code, table.wantCode)
			continue
		}
		if w.Code != http.StatusOK {
			continue
		}
		if got, want := w.Header().Get("Content-Type"), "application/json"; got != want {
			t.Errorf("%s: got content type %q, wanted %q", table.desc, got, want)
		}
		var got types.SignedTreeHead
		if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
			t.Fatalf("%s: invalid response %q: %v", table.desc, w.Body.String(), err)
		}
		if got.TreeSize != table.want.TreeSize || got.RootHash != table.want.RootHash {
			t.Errorf("%s: got %v, wanted %v", table.desc, got, table.want)
		}
	}
}

func TestGetStatus(t *testing.T) {
	for _, table := range []struct {
		desc     string
		sizeErr  error
		wantCode int
	}{
		{"storage failure", fmt.Errorf("mocked error"), http.StatusInternalServerError},
		{"success", nil, http.StatusOK},
	} {
		func() {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()

			storage := mocksDB.NewMockClient(ctrl)
			storage.EXPECT().CurrentTreeSize(gomock.Any()).Return(uint64(7), table.sizeErr)
			m := Mirror{
				NodeID:   "node-a",
				Serving:  fakeServing{sth: types.SignedTreeHead{TreeSize: 5}},
				Leader:   fakeLeader(true),
				Storage:  storage,
				Verified: fakeVerified(9),
				Queue:    fakeQueue(2),
			}
			w := httptest.NewRecorder()
			m.PublicHTTPMux("mirror").ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/mirror/mirror/v1/status", nil))
			if w.Code != table.wantCode {
				t.Fatalf("%s: got status %d, wanted %d", table.desc, w.Code, table.wantCode)
			}
			if w.Code != http.StatusOK {
				return
			}
			var got Status
			if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
				t.Fatal(err)
			}
			want := Status{
				NodeID:           "node-a",
				Master:           true,
				LocalTreeSize:    7,
				VerifiedTreeSize: 9,
				ServingTreeSize:  5,
				QueueLength:      2,
			}
			if got != want {
				t.Errorf("%s: got status %+v, wanted %+v", table.desc, got, want)
			}
		}()
	}
}

func TestServe(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ping", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("pong"))
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, lis, mux, 2) }()

	rsp, err := http.Get(fmt.Sprintf("http://%s/ping", lis.Addr()))
	if err != nil {
		t.Fatal(err)
	}
	body, err := io.ReadAll(rsp.Body)
	rsp.Body.Close()
	if err != nil || string(body) != "pong" {
		t.Errorf("got %q (err %v), wanted %q", body, err, "pong")
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve returned %v, wanted %v", err, context.Canceled)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("Serve did not return after cancel")
	}
}
