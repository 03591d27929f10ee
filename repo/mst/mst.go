// Package mst implements the atproto Merkle Search Tree: a key-ordered,
// content-addressed tree where a key's layer is determined by the number of
// leading zero bits in its SHA-256 hash, following the layer rule described
// at https://interjectedfuture.com/crdts-turned-inside-out/. Tree reads and
// writes go through a synchronous BlockGetter/BlockPutter pair rather than
// an async blockstore.
package mst

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"

	"github.com/gravwell/atcore/atcrypto"
)

var (
	ErrNotFound    = errors.New("mst: key not found")
	ErrInvalidNode = errors.New("mst: malformed node")
	ErrKeyExists   = errors.New("mst: key already exists")
	errNoPutter    = errors.New("mst: tree has no block putter; call WithPutter first")
)

// BlockGetter reads a DAG-CBOR block by CID, satisfied by carstore.Store or
// any other content-addressed store.
type BlockGetter interface {
	Get(c cid.Cid) ([]byte, error)
}

// BlockPutter writes a DAG-CBOR block and returns its CID, satisfied by an
// in-memory staging area during a mutation batch.
type BlockPutter interface {
	Put(data []byte) (cid.Cid, error)
}

// MemoryStore is a trivial BlockGetter+BlockPutter backed by a map, used to
// stage new MST nodes during a mutation before they are committed to a CAR
// file.
type MemoryStore struct {
	blocks map[cid.Cid][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blocks: map[cid.Cid][]byte{}}
}

func (m *MemoryStore) Get(c cid.Cid) ([]byte, error) {
	b, ok := m.blocks[c]
	if !ok {
		return nil, ErrNotFound
	}
	return b, nil
}

func (m *MemoryStore) Put(data []byte) (cid.Cid, error) {
	c, err := atcrypto.CIDFromBytes(atcrypto.CodecDagCbor, data)
	if err != nil {
		return cid.Undef, err
	}
	m.blocks[c] = data
	return c, nil
}

func (m *MemoryStore) All() map[cid.Cid][]byte { return m.blocks }

// leadingZeroBits returns the number of leading zero bits in the SHA-256
// digest of key, the value that determines which layer key belongs on.
func leadingZeroBits(key string) int {
	digest := atcrypto.Sha256([]byte(key))
	zeroes := 0
	for _, b := range digest {
		if b == 0 {
			zeroes += 8
			continue
		}
		for mask := byte(0x80); mask != 0 && b&mask == 0; mask >>= 1 {
			zeroes++
		}
		break
	}
	return zeroes
}

// commonPrefixLen returns the length of the shared byte prefix of a and b.
func commonPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// treeEntry is a CBOR-wire MST entry: a key encoded as a shared-prefix
// length plus suffix, its value CID, and the CID of the subtree to its
// right (nil if none).
type wireEntry struct {
	PrefixLen int     `cbor:"p"`
	KeySuffix []byte  `cbor:"k"`
	Value     cid.Cid `cbor:"v"`
	Tree      *cid.Cid `cbor:"t"`
}

type wireNode struct {
	Left    *cid.Cid    `cbor:"l"`
	Entries []wireEntry `cbor:"e"`
}

// leaf is one key/value pair inside a node.
type leaf struct {
	Key   string
	Value cid.Cid
}

// node is the in-memory, fully decoded form of one MST node: a left subtree
// pointer followed by an interleaved sequence of (leaf, right-subtree)
// pairs.
type node struct {
	left    *cid.Cid
	leaves  []leaf
	// subtree[i] is the subtree immediately to the right of leaves[i];
	// nil means no subtree there.
	subtree []*cid.Cid
}

func (n *node) layer() (int, bool) {
	if len(n.leaves) == 0 {
		return 0, false
	}
	return leadingZeroBits(n.leaves[0].Key), true
}

func parseNode(data []byte) (*node, error) {
	var w wireNode
	if err := cbor.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidNode, err)
	}
	n := &node{left: w.Left}
	prevKey := []byte{}
	for _, e := range w.Entries {
		key := append(append([]byte{}, prevKey[:e.PrefixLen]...), e.KeySuffix...)
		n.leaves = append(n.leaves, leaf{Key: string(key), Value: e.Value})
		n.subtree = append(n.subtree, e.Tree)
		prevKey = key
	}
	return n, nil
}

func (n *node) serialize() ([]byte, error) {
	w := wireNode{Left: n.left}
	prevKey := []byte{}
	for i, l := range n.leaves {
		keyBytes := []byte(l.Key)
		p := commonPrefixLen(prevKey, keyBytes)
		w.Entries = append(w.Entries, wireEntry{
			PrefixLen: p,
			KeySuffix: keyBytes[p:],
			Value:     l.Value,
			Tree:      n.subtree[i],
		})
		prevKey = keyBytes
	}
	return cbor.Marshal(w)
}

func (n *node) put(bs BlockPutter) (cid.Cid, error) {
	data, err := n.serialize()
	if err != nil {
		return cid.Undef, err
	}
	return bs.Put(data)
}

// findGE returns the index of the first leaf with key >= target, or
// len(leaves) if all keys are smaller.
func (n *node) findGE(key string) int {
	return sort.Search(len(n.leaves), func(i int) bool { return n.leaves[i].Key >= key })
}
