// Package repo implements the atproto repository data model: the signed
// commit chain over a Merkle Search Tree of records, serialized as a CAR
// file. It composes repo/carstore (block storage) and repo/mst (the record
// index) into one opened repository.
package repo

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"

	"github.com/gravwell/atcore/atcrypto"
	"github.com/gravwell/atcore/repo/carstore"
	"github.com/gravwell/atcore/repo/mst"
)

// Repository is an opened repo: its signed head commit plus the MST and
// block store backing it. Read operations resolve directly against store;
// a Batch stages writes and produces a new signed head on Commit.
type Repository struct {
	DID   string
	Head  cid.Cid
	Sc    *SignedCommit
	store *carstore.Store
	tree  *mst.Tree
}

// Open reads a repository out of a CAR store whose declared root is a
// SignedCommit block, following it down to the MST root it names.
func Open(store *carstore.Store) (*Repository, error) {
	roots := store.Roots()
	if len(roots) != 1 {
		return nil, fmt.Errorf("repo: expected exactly one CAR root, got %d", len(roots))
	}
	return OpenAt(store, roots[0])
}

// OpenAt reads a repository whose head is the commit at head, used to open
// a specific historical revision out of a store holding more than one.
func OpenAt(store *carstore.Store, head cid.Cid) (*Repository, error) {
	data, err := store.Get(head)
	if err != nil {
		return nil, fmt.Errorf("repo: reading head commit: %w", err)
	}
	var sc SignedCommit
	if err := cbor.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("repo: decoding head commit: %w", err)
	}
	return &Repository{
		DID:   sc.DID,
		Head:  head,
		Sc:    &sc,
		store: store,
		tree:  mst.Load(store, sc.Data),
	}, nil
}

// GetRecord returns the raw DAG-CBOR bytes stored at collection/rkey.
func (r *Repository) GetRecord(collection, rkey string) ([]byte, cid.Cid, error) {
	key := collection + "/" + rkey
	c, err := r.tree.Get(key)
	if err != nil {
		return nil, cid.Undef, err
	}
	data, err := r.store.Get(c)
	if err != nil {
		return nil, cid.Undef, err
	}
	return data, c, nil
}

// ListCollection returns every (rkey, value CID) pair in collection.
func (r *Repository) ListCollection(collection string) ([]mst.KV, error) {
	kvs, err := r.tree.EnumeratePrefix(collection + "/")
	if err != nil {
		return nil, err
	}
	for i := range kvs {
		_, rkey, _ := Collection(kvs[i].Key)
		kvs[i].Key = rkey
	}
	return kvs, nil
}

// Batch stages a sequence of record writes against a repository's MST
// before producing a new signed commit, keeping tree mutation separate
// from commit signing.
type Batch struct {
	repo    *Repository
	staging *mst.MemoryStore
	tree    *mst.Tree
}

// NewBatch starts a write batch against r's current tree, staging new MST
// nodes in memory until Commit flushes them.
func (r *Repository) NewBatch() *Batch {
	staging := mst.NewMemoryStore()
	return &Batch{repo: r, staging: staging, tree: mst.Load(r.store, r.Sc.Data).WithPutter(staging)}
}

// PutRecord stages a create-or-update of collection/rkey to point at a
// record block whose bytes are data; the block is written into the batch's
// staging store immediately.
func (b *Batch) PutRecord(collection, rkey string, data []byte) (cid.Cid, error) {
	c, err := b.staging.Put(data)
	if err != nil {
		return cid.Undef, err
	}
	key := collection + "/" + rkey

	if _, err := b.tree.Get(key); err == mst.ErrNotFound {
		err = b.tree.Add(key, c)
	} else if err == nil {
		err = b.tree.Update(key, c)
	} else {
		return cid.Undef, err
	}
	if err != nil {
		return cid.Undef, err
	}
	return c, nil
}

// DeleteRecord stages removal of collection/rkey.
func (b *Batch) DeleteRecord(collection, rkey string) error {
	return b.tree.Delete(collection + "/" + rkey)
}

// Commit signs the batch's resulting tree as a new head, advancing rev past
// the repository's previous commit and chaining prev to it. The returned
// Repository's new nodes live only in the batch's staging store until the
// caller persists them — via ExportCAR plus merging into the backing
// store — and reopens from there.
func (b *Batch) Commit(signer atcrypto.Signer) (*Repository, error) {
	builder := NewCommitBuilder(b.repo.DID, b.tree.Root).Prev(b.repo.Head)
	commit := builder.Build()
	head, sc, err := commit.Sign(signer, b.staging)
	if err != nil {
		return nil, err
	}
	return &Repository{
		DID:   b.repo.DID,
		Head:  head,
		Sc:    sc,
		store: b.repo.store,
		tree:  mst.Load(b.repo.store, sc.Data),
	}, nil
}

// ExportCAR serializes every block the batch wrote (the commit, the new MST
// nodes, and the record blocks), plus the new head, as a CAR slice — the
// minimal set a firehose #commit event needs to carry for a subscriber to
// replay the write without fetching the whole repository.
func (b *Batch) ExportCAR(head cid.Cid) ([]byte, error) {
	blocks := make([]carstore.Block, 0, len(b.staging.All()))
	for c, data := range b.staging.All() {
		blocks = append(blocks, carstore.Block{CID: c, Data: data})
	}
	return carstore.Encode(head, blocks)
}
