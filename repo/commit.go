package repo

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"

	"github.com/gravwell/atcore/atcrypto"
	"github.com/gravwell/atcore/identity"
	"github.com/gravwell/atcore/repo/mst"
)

// Commit is the unsigned form of a repository commit object: a pointer to
// the MST root holding every record, a monotonically increasing revision,
// and a pointer back to the previous commit.
type Commit struct {
	DID  string   `cbor:"did"`
	Data cid.Cid  `cbor:"data"`
	Rev  TID      `cbor:"rev"`
	Prev *cid.Cid `cbor:"prev"`
}

// SignedCommit adds the raw signature bytes that make a Commit the head of
// a repository, the object actually written to the CAR file as a block and
// referenced by the repo's root.
type SignedCommit struct {
	DID  string   `cbor:"did"`
	Data cid.Cid  `cbor:"data"`
	Rev  TID      `cbor:"rev"`
	Prev *cid.Cid `cbor:"prev"`
	Sig  []byte   `cbor:"sig"`
}

func (c *Commit) hashInput() ([]byte, error) {
	return cbor.Marshal(c)
}

// Hash returns the SHA-256 digest of c's unsigned DAG-CBOR encoding, the
// value a Signer signs to produce the commit's sig.
func (c *Commit) Hash() ([32]byte, error) {
	data, err := c.hashInput()
	if err != nil {
		return [32]byte{}, err
	}
	return atcrypto.Sha256(data), nil
}

// Sign produces a SignedCommit by hashing c and signing the digest with
// signer, then writes the signed object as a block through put and returns
// its CID, the new repository head.
func (c *Commit) Sign(signer atcrypto.Signer, put mst.BlockPutter) (cid.Cid, *SignedCommit, error) {
	digest, err := c.Hash()
	if err != nil {
		return cid.Undef, nil, err
	}
	sig, err := signer.Sign(digest[:])
	if err != nil {
		return cid.Undef, nil, err
	}
	sc := &SignedCommit{DID: c.DID, Data: c.Data, Rev: c.Rev, Prev: c.Prev, Sig: sig}
	data, err := cbor.Marshal(sc)
	if err != nil {
		return cid.Undef, nil, err
	}
	root, err := put.Put(data)
	if err != nil {
		return cid.Undef, nil, err
	}
	return root, sc, nil
}

// CommitBuilder accumulates the fields of a new commit before it is hashed
// and signed, with fluent .Prev()/.Rev() mutators over a default of "no
// previous commit, rev is now".
type CommitBuilder struct {
	did  string
	data cid.Cid
	rev  TID
	prev *cid.Cid
}

// NewCommitBuilder starts a commit for repository did pointing at the given
// MST root.
func NewCommitBuilder(did string, root cid.Cid) *CommitBuilder {
	return &CommitBuilder{did: did, data: root, rev: NewTID()}
}

func (b *CommitBuilder) Prev(c cid.Cid) *CommitBuilder {
	b.prev = &c
	return b
}

func (b *CommitBuilder) Rev(t TID) *CommitBuilder {
	b.rev = t
	return b
}

func (b *CommitBuilder) Data(root cid.Cid) *CommitBuilder {
	b.data = root
	return b
}

func (b *CommitBuilder) Build() *Commit {
	return &Commit{DID: b.did, Data: b.data, Rev: b.rev, Prev: b.prev}
}

// VerifyCommit checks sc's signature against the signing key published in
// doc's verificationMethod for did, returning nil if any verification
// method's key verifies it.
func VerifyCommit(sc *SignedCommit, doc *identity.Document) error {
	unsigned := &Commit{DID: sc.DID, Data: sc.Data, Rev: sc.Rev, Prev: sc.Prev}
	digest, err := unsigned.Hash()
	if err != nil {
		return err
	}

	var lastErr error
	for _, vm := range doc.VerificationMethod {
		if vm.PublicKeyMultibase == "" {
			continue
		}
		curve, pub, err := atcrypto.ParseMultikey(vm.PublicKeyMultibase)
		if err != nil {
			lastErr = err
			continue
		}
		if err := atcrypto.Verify(curve, pub, digest[:], sc.Sig); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("repo: no verification method on %s could verify commit", doc.ID)
	}
	return fmt.Errorf("repo: commit signature verification failed: %w", lastErr)
}
