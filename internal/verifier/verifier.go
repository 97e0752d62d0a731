// Package verifier checks candidate tree heads of the mirrored log
// against the log's public key and the previously accepted tree head.
package verifier

import (
	stdcrypto "crypto"
	"errors"
	"fmt"

	ct "github.com/google/certificate-transparency-go"
	"github.com/transparency-dev/merkle/proof"
	"github.com/transparency-dev/merkle/rfc6962"

	"sigsum.org/ct-mirror/internal/types"
)

var (
	ErrBadSignature        = errors.New("bad signature")
	ErrBadConsistencyProof = errors.New("bad consistency proof")
	ErrSizeRegression      = errors.New("size regression")
)

// Error is returned when a candidate tree head is rejected. Reason is
// one of the ErrBad* / ErrSizeRegression sentinels.
type Error struct {
	Reason error
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Reason.Error()
	}
	return fmt.Sprintf("%v: %v", e.Reason, e.Err)
}

// Is makes errors.Is(err, ErrBadSignature) etc. work.
func (e *Error) Is(target error) bool {
	return e.Reason == target
}

func (e *Error) Unwrap() error {
	return e.Err
}

func reject(reason error, format string, args ...interface{}) error {
	return &Error{Reason: reason, Err: fmt.Errorf(format, args...)}
}

type Verifier struct {
	sv *ct.SignatureVerifier
}

func New(pub stdcrypto.PublicKey) (*Verifier, error) {
	sv, err := ct.NewSignatureVerifier(pub)
	if err != nil {
		return nil, fmt.Errorf("unsupported log public key: %w", err)
	}
	return &Verifier{sv: sv}, nil
}

// NewFromPEM creates a verifier from a PEM-encoded public key.
func NewFromPEM(b []byte) (*Verifier, error) {
	pub, _, _, err := ct.PublicKeyFromPEM(b)
	if err != nil {
		return nil, fmt.Errorf("parsing PEM public key: %w", err)
	}
	return New(pub)
}

// VerifySignature checks only the signature of sth.
func (v *Verifier) VerifySignature(sth types.SignedTreeHead) error {
	ctSTH, err := sth.ToCT()
	if err != nil {
		return &Error{Reason: ErrBadSignature, Err: err}
	}
	if err := v.sv.VerifySTHSignature(ctSTH); err != nil {
		return &Error{Reason: ErrBadSignature, Err: err}
	}
	return nil
}

// Verify accepts (nil) or rejects (*Error) candidate. If prior is nil,
// only the signature is checked. The consistency proof is needed only
// when candidate is larger than a non-empty prior tree.
func (v *Verifier) Verify(prior *types.SignedTreeHead, candidate types.SignedTreeHead, consistency [][]byte) error {
	if err := v.VerifySignature(candidate); err != nil {
		return err
	}
	if prior == nil {
		return nil
	}
	switch {
	case candidate.TreeSize < prior.TreeSize:
		return reject(ErrSizeRegression, "tree size %d < %d", candidate.TreeSize, prior.TreeSize)
	case candidate.TreeSize == prior.TreeSize:
		if candidate.RootHash != prior.RootHash {
			return reject(ErrBadConsistencyProof, "different root hashes at tree size %d", candidate.TreeSize)
		}
		return nil
	case prior.TreeSize == 0:
		// Anything is consistent with an empty tree.
		return nil
	}
	if err := proof.VerifyConsistency(rfc6962.DefaultHasher,
		prior.TreeSize, candidate.TreeSize, consistency,
		prior.RootHash[:], candidate.RootHash[:]); err != nil {
		return &Error{Reason: ErrBadConsistencyProof, Err: err}
	}
	return nil
}
