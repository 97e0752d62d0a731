package db

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/google/trillian"
	ttypes "github.com/google/trillian/types"
	rpcstatus "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	mocksTrillian "sigsum.org/ct-mirror/internal/mocks/trillian"
	"sigsum.org/ct-mirror/internal/types"
	"sigsum.org/sigsum-go/pkg/crypto"
)

func TestAppendEntries(t *testing.T) {
	entries := []types.Entry{
		{LeafInput: []byte{0}, ExtraData: []byte("chain-0")},
		{LeafInput: []byte{1}},
	}
	for _, table := range []struct {
		description string
		rsps        []*trillian.AddSequencedLeavesResponse
		errs        []error
		wantErr     bool
	}{
		{
			description: "invalid: backend failure",
			rsps:        []*trillian.AddSequencedLeavesResponse{nil},
			errs:        []error{fmt.Errorf("something went wrong")},
			wantErr:     true,
		},
		{
			description: "invalid: no response",
			rsps:        []*trillian.AddSequencedLeavesResponse{nil},
			errs:        []error{nil},
			wantErr:     true,
		},
		{
			description: "invalid: leaf rejected",
			rsps: []*trillian.AddSequencedLeavesResponse{{
				Results: []*trillian.QueuedLogLeaf{
					{Status: &rpcstatus.Status{Code: int32(codes.FailedPrecondition), Message: "no"}},
				},
			}},
			errs:    []error{nil},
			wantErr: true,
		},
		{
			description: "valid",
			rsps:        []*trillian.AddSequencedLeavesResponse{{}},
			errs:        []error{nil},
		},
		{
			description: "valid: already exists",
			rsps: []*trillian.AddSequencedLeavesResponse{{
				Results: []*trillian.QueuedLogLeaf{
					{Status: &rpcstatus.Status{Code: int32(codes.AlreadyExists)}},
					{Status: &rpcstatus.Status{Code: int32(codes.OK)}},
				},
			}},
			errs: []error{nil},
		},
		{
			description: "valid: retry on resource exhausted",
			rsps:        []*trillian.AddSequencedLeavesResponse{nil, {}},
			errs:        []error{status.Error(codes.ResourceExhausted, "busy"), nil},
		},
	} {
		t.Run(table.description, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()
			logClient := mocksTrillian.NewMockTrillianLogClient(ctrl)
			var calls []*gomock.Call
			for i := range table.rsps {
				calls = append(calls, logClient.EXPECT().AddSequencedLeaves(gomock.Any(), gomock.Any()).DoAndReturn(
					func(_ context.Context, req *trillian.AddSequencedLeavesRequest, _ ...grpc.CallOption) (*trillian.AddSequencedLeavesResponse, error) {
						if got, want := req.LogId, int64(17); got != want {
							t.Errorf("got log id %d, wanted %d", got, want)
						}
						for j, leaf := range req.Leaves {
							if got, want := leaf.LeafIndex, int64(5+j); got != want {
								t.Errorf("got leaf index %d, wanted %d", got, want)
							}
							if got, want := string(leaf.ExtraData), string(entries[j].ExtraData); got != want {
								t.Errorf("got extra data %q, wanted %q", got, want)
							}
						}
						return table.rsps[i], table.errs[i]
					}))
			}
			gomock.InOrder(calls...)
			client := TrillianClient{treeID: 17, logClient: logClient}

			err := client.AppendEntries(context.Background(), 5, entries)
			if got, want := err != nil, table.wantErr; got != want {
				t.Errorf("got error %v but wanted %v in test %q: %v", got, want, table.description, err)
			}
		})
	}
}

func TestAppendNoEntries(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	client := TrillianClient{logClient: mocksTrillian.NewMockTrillianLogClient(ctrl)}
	if err := client.AppendEntries(context.Background(), 0, nil); err != nil {
		t.Errorf("appending nothing failed: %v", err)
	}
}

func TestCurrentTreeSize(t *testing.T) {
	root := &ttypes.LogRootV1{
		TreeSize:       17,
		RootHash:       make([]byte, crypto.HashSize),
		TimestampNanos: 1622585623133599429,
	}
	buf, err := root.MarshalBinary()
	if err != nil {
		t.Fatalf("must marshal log root: %v", err)
	}

	for _, table := range []struct {
		description string
		rsp         *trillian.GetLatestSignedLogRootResponse
		err         error
		wantErr     bool
		wantSize    uint64
	}{
		{
			description: "invalid: backend failure",
			err:         fmt.Errorf("something went wrong"),
			wantErr:     true,
		},
		{
			description: "invalid: no response",
			wantErr:     true,
		},
		{
			description: "invalid: no signed log root",
			rsp:         &trillian.GetLatestSignedLogRootResponse{},
			wantErr:     true,
		},
		{
			description: "invalid: no log root",
			rsp: &trillian.GetLatestSignedLogRootResponse{
				SignedLogRoot: &trillian.SignedLogRoot{},
			},
			wantErr: true,
		},
		{
			description: "invalid: no log root: unmarshal failed",
			rsp: &trillian.GetLatestSignedLogRootResponse{
				SignedLogRoot: &trillian.SignedLogRoot{
					LogRoot: buf[1:],
				},
			},
			wantErr: true,
		},
		{
			description: "valid",
			rsp: &trillian.GetLatestSignedLogRootResponse{
				SignedLogRoot: &trillian.SignedLogRoot{
					LogRoot: buf,
				},
			},
			wantSize: 17,
		},
	} {
		// Run deferred functions at the end of each iteration
		func() {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()
			logClient := mocksTrillian.NewMockTrillianLogClient(ctrl)
			logClient.EXPECT().GetLatestSignedLogRoot(gomock.Any(), gomock.Any()).Return(table.rsp, table.err)
			client := TrillianClient{logClient: logClient}

			size, err := client.CurrentTreeSize(context.Background())
			if got, want := err != nil, table.wantErr; got != want {
				t.Errorf("got error %v but wanted %v in test %q: %v", got, want, table.description, err)
			}
			if err != nil {
				return
			}
			if size != table.wantSize {
				t.Errorf("got tree size %d but wanted %d in test %q", size, table.wantSize, table.description)
			}
		}()
	}
}

func TestReadTreeId(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "tree-id")
	if err := os.WriteFile(file, []byte("tree-id=4711\n"), 0644); err != nil {
		t.Fatal(err)
	}
	id, err := readTreeId(file)
	if err != nil {
		t.Fatalf("readTreeId failed: %v", err)
	}
	if id != 4711 {
		t.Errorf("got tree id %d, wanted 4711", id)
	}
	if _, err := readTreeId(filepath.Join(dir, "missing")); err == nil {
		t.Errorf("missing tree id file accepted")
	}
}
