package mst

import (
	"sort"

	"github.com/ipfs/go-cid"
)

// Tree is a Merkle Search Tree rooted at Root, backed by a BlockGetter for
// reads (typically a carstore.Store) and a BlockPutter for writes
// (typically a fresh mst.MemoryStore staged for the next commit).
//
// Mutations rebuild the whole tree from its enumerated leaf set rather than
// performing an incremental node split/merge: the MST's shape is a pure
// function of its key set — a key's layer depends only on
// leadingZeroBits(key), never on edit history — so rebuilding from the
// full leaf set after every mutation produces the identical, canonical
// tree an incremental split/merge would. The tradeoff is O(n) writes per
// mutation instead of amortized O(log n). A repo.Batch pays that cost once
// per record it writes, since each of its writes is one Add, Update or Delete.
type Tree struct {
	Root cid.Cid
	get  BlockGetter
	put  BlockPutter
}

func Empty(bs BlockPutter) (*Tree, error) {
	root, err := (&node{}).put(bs)
	if err != nil {
		return nil, err
	}
	return &Tree{Root: root, get: bs.(BlockGetter), put: bs}, nil
}

// Load opens an existing tree rooted at root for reading; get must resolve
// every node and leaf-value CID reachable from root.
func Load(get BlockGetter, root cid.Cid) *Tree {
	return &Tree{Root: root, get: get}
}

// WithPutter returns a copy of t that stages new nodes through put instead
// of returning an error on mutation; Load-ed trees have no putter until
// given one.
func (t *Tree) WithPutter(put BlockPutter) *Tree {
	return &Tree{Root: t.Root, get: t.get, put: put}
}

func (t *Tree) readNode(c cid.Cid) (*node, error) {
	data, err := t.get.Get(c)
	if err != nil {
		return nil, err
	}
	return parseNode(data)
}

// Get returns the value CID stored at key, or ErrNotFound.
func (t *Tree) Get(key string) (cid.Cid, error) {
	return t.getFrom(t.Root, key)
}

func (t *Tree) getFrom(root cid.Cid, key string) (cid.Cid, error) {
	n, err := t.readNode(root)
	if err != nil {
		return cid.Undef, err
	}
	idx := n.findGE(key)
	if idx < len(n.leaves) && n.leaves[idx].Key == key {
		return n.leaves[idx].Value, nil
	}
	var sub *cid.Cid
	if idx == 0 {
		sub = n.left
	} else {
		sub = n.subtree[idx-1]
	}
	if sub == nil {
		return cid.Undef, ErrNotFound
	}
	return t.getFrom(*sub, key)
}

// Enumerate returns every (key, value) pair in the tree in ascending key
// order, the traversal Diff and CAR export both build on.
func (t *Tree) Enumerate() ([]KV, error) {
	var out []KV
	if err := t.walk(t.Root, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// KV is one decoded MST leaf.
type KV struct {
	Key   string
	Value cid.Cid
}

func (t *Tree) walk(root cid.Cid, out *[]KV) error {
	n, err := t.readNode(root)
	if err != nil {
		return err
	}
	if n.left != nil {
		if err := t.walk(*n.left, out); err != nil {
			return err
		}
	}
	for i, l := range n.leaves {
		*out = append(*out, KV{Key: l.Key, Value: l.Value})
		if n.subtree[i] != nil {
			if err := t.walk(*n.subtree[i], out); err != nil {
				return err
			}
		}
	}
	return nil
}

// EnumeratePrefix returns every (key, value) pair whose key has the given
// prefix, in ascending order. It enumerates the whole tree and keeps the
// matching pairs; subtrees that cannot contain a match are visited too.
func (t *Tree) EnumeratePrefix(prefix string) ([]KV, error) {
	all, err := t.Enumerate()
	if err != nil {
		return nil, err
	}
	start := sort.Search(len(all), func(i int) bool { return all[i].Key >= prefix })
	var out []KV
	for i := start; i < len(all); i++ {
		if len(all[i].Key) < len(prefix) || all[i].Key[:len(prefix)] != prefix {
			break
		}
		out = append(out, all[i])
	}
	return out, nil
}

// ChildTowards returns the CID of the subtree that getFrom would descend
// into from the node at root while looking for key, and false if that node
// holds key directly or has no subtree on that side. It lets callers walk
// the same path Get does without re-deriving the node layout themselves,
// the primitive a minimal inclusion-proof extraction is built on.
func (t *Tree) ChildTowards(root cid.Cid, key string) (cid.Cid, bool, error) {
	n, err := t.readNode(root)
	if err != nil {
		return cid.Undef, false, err
	}
	idx := n.findGE(key)
	if idx < len(n.leaves) && n.leaves[idx].Key == key {
		return cid.Undef, false, nil
	}
	var sub *cid.Cid
	if idx == 0 {
		sub = n.left
	} else {
		sub = n.subtree[idx-1]
	}
	if sub == nil {
		return cid.Undef, false, nil
	}
	return *sub, true, nil
}

// Add inserts key with value, failing if key already exists.
func (t *Tree) Add(key string, value cid.Cid) error {
	if _, err := t.Get(key); err == nil {
		return ErrKeyExists
	} else if err != ErrNotFound {
		return err
	}
	return t.mutate(func(kvs []KV) []KV {
		return insertSorted(kvs, KV{Key: key, Value: value})
	})
}

// Update replaces the value at an existing key, failing if absent.
func (t *Tree) Update(key string, value cid.Cid) error {
	kvs, err := t.Enumerate()
	if err != nil {
		return err
	}
	idx := sort.Search(len(kvs), func(i int) bool { return kvs[i].Key >= key })
	if idx == len(kvs) || kvs[idx].Key != key {
		return ErrNotFound
	}
	kvs[idx].Value = value
	return t.rebuild(kvs)
}

// Delete removes key, failing if absent.
func (t *Tree) Delete(key string) error {
	kvs, err := t.Enumerate()
	if err != nil {
		return err
	}
	idx := sort.Search(len(kvs), func(i int) bool { return kvs[i].Key >= key })
	if idx == len(kvs) || kvs[idx].Key != key {
		return ErrNotFound
	}
	kvs = append(kvs[:idx], kvs[idx+1:]...)
	return t.rebuild(kvs)
}

func (t *Tree) mutate(f func([]KV) []KV) error {
	kvs, err := t.Enumerate()
	if err != nil {
		return err
	}
	return t.rebuild(f(kvs))
}

func (t *Tree) rebuild(kvs []KV) error {
	if t.put == nil {
		return errNoPutter
	}
	root, err := Build(kvs, t.put)
	if err != nil {
		return err
	}
	t.Root = root
	return nil
}

func insertSorted(kvs []KV, kv KV) []KV {
	idx := sort.Search(len(kvs), func(i int) bool { return kvs[i].Key >= kv.Key })
	kvs = append(kvs, KV{})
	copy(kvs[idx+1:], kvs[idx:])
	kvs[idx] = kv
	return kvs
}

// Build constructs the canonical MST for a sorted-or-unsorted set of leaves,
// returning its root CID. Two trees built from the same key set are always
// byte-identical, regardless of the order keys were supplied in.
func Build(kvs []KV, put BlockPutter) (cid.Cid, error) {
	sorted := make([]KV, len(kvs))
	copy(sorted, kvs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })

	maxLayer := 0
	for _, kv := range sorted {
		if l := leadingZeroBits(kv.Key); l > maxLayer {
			maxLayer = l
		}
	}
	if len(sorted) == 0 {
		maxLayer = 0
	}
	return buildLayer(sorted, maxLayer, put)
}

// buildLayer builds the subtree spanning kvs (all belonging to layer <=
// layer) and returns its root CID. kvs at exactly `layer` become this
// node's own leaves; runs of kvs between them recurse into child subtrees.
func buildLayer(kvs []KV, layer int, put BlockPutter) (cid.Cid, error) {
	if layer < 0 {
		if len(kvs) != 0 {
			return cid.Undef, ErrInvalidNode
		}
		n := &node{}
		return n.put(put)
	}

	n := &node{}
	var gap []KV
	flushGap := func() (*cid.Cid, error) {
		if len(gap) == 0 {
			return nil, nil
		}
		sub, err := buildLayer(gap, layer-1, put)
		if err != nil {
			return nil, err
		}
		gap = nil
		return &sub, nil
	}

	for _, kv := range kvs {
		if leadingZeroBits(kv.Key) == layer {
			left, err := flushGap()
			if err != nil {
				return cid.Undef, err
			}
			if len(n.leaves) == 0 {
				n.left = left
			} else {
				n.subtree[len(n.subtree)-1] = left
			}
			n.leaves = append(n.leaves, leaf{Key: kv.Key, Value: kv.Value})
			n.subtree = append(n.subtree, nil)
			continue
		}
		gap = append(gap, kv)
	}
	trailing, err := flushGap()
	if err != nil {
		return cid.Undef, err
	}
	if len(n.leaves) == 0 {
		n.left = trailing
	} else {
		n.subtree[len(n.subtree)-1] = trailing
	}
	return n.put(put)
}
