package db

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/trillian"
	trillianTypes "github.com/google/trillian/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"sigsum.org/ct-mirror/internal/types"
	"sigsum.org/sigsum-go/pkg/ascii"
	"sigsum.org/sigsum-go/pkg/log"
)

//go:generate go run github.com/golang/mock/mockgen -source trillian.go -destination ../mocks/trillian/trillian.go -package trillian -mock_names logClient=MockTrillianLogClient

// Subset of trillian.TrillianLogClient used by the mirror.
type logClient interface {
	AddSequencedLeaves(ctx context.Context, in *trillian.AddSequencedLeavesRequest, opts ...grpc.CallOption) (*trillian.AddSequencedLeavesResponse, error)
	GetLatestSignedLogRoot(ctx context.Context, in *trillian.GetLatestSignedLogRootRequest, opts ...grpc.CallOption) (*trillian.GetLatestSignedLogRootResponse, error)
}

// TrillianClient implements the Client interface on top of a Trillian
// PREORDERED_LOG tree. Trillian integrates sequenced leaves
// asynchronously, so CurrentTreeSize reports the integrated size,
// which may lag behind what has been appended.
type TrillianClient struct {
	// treeID is a Merkle tree identifier that Trillian uses
	treeID int64

	// logClient is a Trillian gRPC client
	logClient logClient
	conn      *grpc.ClientConn
}

func DialTrillian(target string, timeout time.Duration, treeIdFile string) (*TrillianClient, error) {
	treeId, err := readTreeId(treeIdFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read tree id: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	conn, err := grpc.DialContext(ctx, target,
		grpc.WithTransportCredentials(insecure.NewCredentials()), grpc.WithBlock())
	if err != nil {
		return nil, fmt.Errorf("connection to trillian failed: %v", err)
	}
	tree, err := trillian.NewTrillianAdminClient(conn).GetTree(
		ctx, &trillian.GetTreeRequest{TreeId: int64(treeId)})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if tree.TreeType != trillian.TreeType_PREORDERED_LOG {
		conn.Close()
		return nil, fmt.Errorf("trillian tree of type %s, but must be of type PREORDERED_LOG for a mirror",
			tree.TreeType.String())
	}

	return &TrillianClient{
		treeID:    int64(treeId),
		logClient: trillian.NewTrillianLogClient(conn),
		conn:      conn,
	}, nil
}

// AppendEntries adds a set of already sequenced entries to the tree.
// Leaves that Trillian already has are reported per leaf, not as an
// error, so appending is idempotent.
func (c *TrillianClient) AppendEntries(ctx context.Context, index uint64, entries []types.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	trilLeaves := make([]*trillian.LogLeaf, len(entries))
	for i, entry := range entries {
		trilLeaves[i] = &trillian.LogLeaf{
			LeafValue: entry.LeafInput,
			ExtraData: entry.ExtraData,
			LeafIndex: int64(index) + int64(i),
		}
	}

	req := trillian.AddSequencedLeavesRequest{
		LogId:  c.treeID,
		Leaves: trilLeaves,
	}
	log.Debug("adding sequenced leaves: index %d, count %d", index, len(trilLeaves))
	var err error
	for wait := 1; wait < 30; wait *= 2 {
		var rsp *trillian.AddSequencedLeavesResponse
		rsp, err = c.logClient.AddSequencedLeaves(ctx, &req)
		switch status.Code(err) {
		case codes.ResourceExhausted:
			log.Info("waiting %d seconds before retrying to add %d leaves, reason: %v", wait, len(trilLeaves), err)
			select {
			case <-time.After(time.Second * time.Duration(wait)):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		case codes.OK:
			if rsp == nil {
				return fmt.Errorf("logClient.AddSequencedLeaves no response")
			}
			for _, res := range rsp.Results {
				if res.Status == nil {
					continue
				}
				switch codes.Code(res.Status.Code) {
				case codes.OK, codes.AlreadyExists:
				default:
					return fmt.Errorf("leaf %d rejected: %s", res.GetLeaf().GetLeafIndex(), res.Status.Message)
				}
			}
			return nil
		default:
			return fmt.Errorf("logClient.AddSequencedLeaves error: %v", err)
		}
	}

	return fmt.Errorf("giving up on adding %d leaves", len(trilLeaves))
}

func (c *TrillianClient) CurrentTreeSize(ctx context.Context) (uint64, error) {
	rsp, err := c.logClient.GetLatestSignedLogRoot(ctx, &trillian.GetLatestSignedLogRootRequest{
		LogId: c.treeID,
	})
	if err != nil {
		return 0, fmt.Errorf("backend failure: %v", err)
	}
	if rsp == nil {
		return 0, fmt.Errorf("no response")
	}
	if rsp.SignedLogRoot == nil {
		return 0, fmt.Errorf("no signed log root")
	}
	if rsp.SignedLogRoot.LogRoot == nil {
		return 0, fmt.Errorf("no log root")
	}
	var r trillianTypes.LogRootV1
	if err := r.UnmarshalBinary(rsp.SignedLogRoot.LogRoot); err != nil {
		return 0, fmt.Errorf("no log root: unmarshal failed: %v", err)
	}
	return r.TreeSize, nil
}

func (c *TrillianClient) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func readTreeId(file string) (uint64, error) {
	f, err := os.Open(file)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	p := ascii.NewParser(f)
	return p.GetInt("tree-id")
}
