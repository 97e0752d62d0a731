// Package testonly provides a fake signing log for tests.
package testonly

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"testing"

	ct "github.com/google/certificate-transparency-go"
	"github.com/google/certificate-transparency-go/tls"

	"sigsum.org/ct-mirror/internal/types"
	"sigsum.org/sigsum-go/pkg/crypto"
	"sigsum.org/sigsum-go/pkg/merkle"
)

// Log is an in-memory log with an ECDSA P-256 signing key. Leaf i has
// leaf hash crypto.Hash{i}, and entry leaf input []byte{i}, so logs
// are limited to 256 leaves.
type Log struct {
	t    testing.TB
	Key  *ecdsa.PrivateKey
	tree merkle.Tree
	// Root hashes indexed by tree size.
	roots []crypto.Hash
}

func NewLog(t testing.TB, size uint64) *Log {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	l := &Log{t: t, Key: key, tree: merkle.NewTree()}
	l.roots = append(l.roots, l.tree.GetRootHash())
	l.Grow(size)
	return l
}

func (l *Log) Size() uint64 {
	return l.tree.Size()
}

// Grow appends leaves until the tree has the given size.
func (l *Log) Grow(size uint64) {
	for i := l.tree.Size(); i < size; i++ {
		h := crypto.Hash{uint8(i)}
		l.tree.AddLeafHash(&h)
		l.roots = append(l.roots, l.tree.GetRootHash())
	}
}

func (l *Log) Root(size uint64) crypto.Hash {
	return l.roots[size]
}

func (l *Log) PublicKeyPEM() []byte {
	l.t.Helper()
	der, err := x509.MarshalPKIXPublicKey(&l.Key.PublicKey)
	if err != nil {
		l.t.Fatal(err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
}

// STH returns a signed tree head of the given size.
func (l *Log) STH(size, timestamp uint64) types.SignedTreeHead {
	l.t.Helper()
	return l.SignTreeHead(size, timestamp, l.Root(size))
}

// SignTreeHead signs arbitrary tree head contents.
func (l *Log) SignTreeHead(size, timestamp uint64, root crypto.Hash) types.SignedTreeHead {
	l.t.Helper()
	sth := ct.SignedTreeHead{
		Version:        ct.V1,
		TreeSize:       size,
		Timestamp:      timestamp,
		SHA256RootHash: ct.SHA256Hash(root),
	}
	input, err := ct.SerializeSTHSignatureInput(sth)
	if err != nil {
		l.t.Fatal(err)
	}
	ds, err := tls.CreateSignature(l.Key, tls.SHA256, input)
	if err != nil {
		l.t.Fatal(err)
	}
	sth.TreeHeadSignature = ct.DigitallySigned(ds)
	out, err := types.FromCT(&sth)
	if err != nil {
		l.t.Fatal(err)
	}
	return out
}

// ConsistencyProof returns the RFC 6962 proof between two sizes.
func (l *Log) ConsistencyProof(oldSize, newSize uint64) [][]byte {
	l.t.Helper()
	if oldSize == 0 || oldSize == newSize {
		return nil
	}
	path, err := l.tree.ProveConsistency(oldSize, newSize)
	if err != nil {
		l.t.Fatal(err)
	}
	proof := make([][]byte, len(path))
	for i := range path {
		proof[i] = append([]byte(nil), path[i][:]...)
	}
	return proof
}

// Entries returns the entries [start, end).
func (l *Log) Entries(start, end uint64) []types.Entry {
	entries := make([]types.Entry, 0, end-start)
	for i := start; i < end; i++ {
		entries = append(entries, types.Entry{LeafInput: []byte{uint8(i)}})
	}
	return entries
}
