// Package types holds the data model shared by the mirror's components.
package types

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	ct "github.com/google/certificate-transparency-go"
	"github.com/google/certificate-transparency-go/tls"

	"sigsum.org/sigsum-go/pkg/crypto"
)

// SignedTreeHead is a verified or candidate tree head of the mirrored
// log. Values are treated as immutable and passed by value.
type SignedTreeHead struct {
	TreeSize  uint64
	Timestamp uint64 // Milliseconds since the UNIX epoch
	RootHash  crypto.Hash
	// TLS-encoded DigitallySigned structure, see RFC 6962, section 3.5.
	Signature []byte
}

// Wire shape, matching the get-sth response of RFC 6962.
type sthJSON struct {
	TreeSize  uint64 `json:"tree_size"`
	Timestamp uint64 `json:"timestamp"`
	RootHash  []byte `json:"sha256_root_hash"`
	Signature []byte `json:"tree_head_signature"`
}

func (sth SignedTreeHead) MarshalJSON() ([]byte, error) {
	return json.Marshal(sthJSON{
		TreeSize:  sth.TreeSize,
		Timestamp: sth.Timestamp,
		RootHash:  sth.RootHash[:],
		Signature: sth.Signature,
	})
}

func (sth *SignedTreeHead) UnmarshalJSON(b []byte) error {
	var j sthJSON
	if err := json.Unmarshal(b, &j); err != nil {
		return err
	}
	if len(j.RootHash) != crypto.HashSize {
		return fmt.Errorf("invalid root hash length %d", len(j.RootHash))
	}
	sth.TreeSize = j.TreeSize
	sth.Timestamp = j.Timestamp
	copy(sth.RootHash[:], j.RootHash)
	sth.Signature = j.Signature
	return nil
}

func (sth SignedTreeHead) String() string {
	return fmt.Sprintf("{tree_size: %d, timestamp: %d, root_hash: %x}",
		sth.TreeSize, sth.Timestamp, sth.RootHash[:])
}

// NewerThan reports whether sth supersedes other: a larger tree, or the
// same tree signed later.
func (sth SignedTreeHead) NewerThan(other *SignedTreeHead) bool {
	if other == nil {
		return true
	}
	if sth.TreeSize != other.TreeSize {
		return sth.TreeSize > other.TreeSize
	}
	return sth.Timestamp > other.Timestamp
}

// FromCT converts a tree head as returned by the upstream log.
func FromCT(sth *ct.SignedTreeHead) (SignedTreeHead, error) {
	sig, err := tls.Marshal(tls.DigitallySigned(sth.TreeHeadSignature))
	if err != nil {
		return SignedTreeHead{}, fmt.Errorf("encoding tree head signature: %w", err)
	}
	return SignedTreeHead{
		TreeSize:  sth.TreeSize,
		Timestamp: sth.Timestamp,
		RootHash:  crypto.Hash(sth.SHA256RootHash),
		Signature: sig,
	}, nil
}

// ToCT converts back to the RFC 6962 structure, e.g., for signature
// verification.
func (sth SignedTreeHead) ToCT() (ct.SignedTreeHead, error) {
	var ds tls.DigitallySigned
	rest, err := tls.Unmarshal(sth.Signature, &ds)
	if err != nil {
		return ct.SignedTreeHead{}, fmt.Errorf("decoding tree head signature: %w", err)
	}
	if len(rest) > 0 {
		return ct.SignedTreeHead{}, fmt.Errorf("trailing data after tree head signature: %d bytes", len(rest))
	}
	return ct.SignedTreeHead{
		Version:           ct.V1,
		TreeSize:          sth.TreeSize,
		Timestamp:         sth.Timestamp,
		SHA256RootHash:    ct.SHA256Hash(sth.RootHash),
		TreeHeadSignature: ct.DigitallySigned(ds),
	}, nil
}

// Entry is a raw log entry, as returned by get-entries.
type Entry struct {
	LeafInput []byte `json:"leaf_input"`
	ExtraData []byte `json:"extra_data"`
}

// ClusterConfig is the quorum policy applied before a tree head is
// considered servable by the cluster.
type ClusterConfig struct {
	MinimumServingNodes    uint32  `json:"minimum_serving_nodes"`
	MinimumServingFraction float64 `json:"minimum_serving_fraction"`
}

func (c ClusterConfig) Validate() error {
	if c.MinimumServingNodes < 1 {
		return fmt.Errorf("minimum serving nodes must be at least 1, got %d", c.MinimumServingNodes)
	}
	if math.IsNaN(c.MinimumServingFraction) || c.MinimumServingFraction <= 0 || c.MinimumServingFraction > 1 {
		return fmt.Errorf("minimum serving fraction must be in (0, 1], got %v", c.MinimumServingFraction)
	}
	return nil
}

// Quorum returns the number of nodes, out of total, that must be able
// to serve a tree head before it is servable cluster-wide.
func (c ClusterConfig) Quorum(total int) int {
	n := int(math.Ceil(c.MinimumServingFraction * float64(total)))
	if m := int(c.MinimumServingNodes); m > n {
		n = m
	}
	return n
}

// ClusterNodeState is a node's contribution to cluster state.
type ClusterNodeState struct {
	NodeID    string          `json:"node_id"`
	NewestSTH *SignedTreeHead `json:"newest_sth,omitempty"`
}

// Endpoint is a named HTTP API endpoint
type Endpoint string

const (
	EndpointGetSTH = Endpoint("ct/v1/get-sth")
	EndpointStatus = Endpoint("mirror/v1/status")
)

// Path joins a number of components to form a full endpoint path.  For example,
// EndpointGetSTH.Path("example.com", "mirror") -> example.com/mirror/ct/v1/get-sth.
func (e Endpoint) Path(components ...string) string {
	return strings.Join(append(components, string(e)), "/")
}
