package repo

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"

	"github.com/gravwell/atcore/repo/carstore"
	"github.com/gravwell/atcore/repo/mst"
)

// ExtractProof builds the minimal CAR slice proving that collection/rkey
// holds its current value (or is absent, for a non-inclusion proof) under
// head: the signed commit plus every MST node visited while walking from
// the tree root down to the leaf, without the rest of the repository's
// blocks.
//
// This lets a firehose subscriber trust a single record without fetching
// the whole repository.
func ExtractProof(store *carstore.Store, head cid.Cid, collection, rkey string) ([]byte, error) {
	data, err := store.Get(head)
	if err != nil {
		return nil, fmt.Errorf("repo: reading head commit: %w", err)
	}

	var sc SignedCommit
	if err := cbor.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("repo: decoding head commit: %w", err)
	}

	collected := map[cid.Cid][]byte{head: data}
	tree := mst.Load(store, sc.Data)
	if err := walkProofPath(store, tree, sc.Data, collection+"/"+rkey, collected); err != nil {
		return nil, err
	}

	blocks := make([]carstore.Block, 0, len(collected))
	for c, d := range collected {
		blocks = append(blocks, carstore.Block{CID: c, Data: d})
	}
	return carstore.Encode(head, blocks)
}

// walkProofPath descends tree from root toward key, recording every node
// block it visits (but not sibling subtrees it does not descend into) into
// collected.
func walkProofPath(store *carstore.Store, tree *mst.Tree, root cid.Cid, key string, collected map[cid.Cid][]byte) error {
	data, err := store.Get(root)
	if err != nil {
		return fmt.Errorf("repo: reading mst node %s: %w", root, err)
	}
	collected[root] = data

	next, ok, err := tree.ChildTowards(root, key)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return walkProofPath(store, tree, next, key, collected)
}
