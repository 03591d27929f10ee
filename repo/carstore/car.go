// Package carstore implements the CARv1 (Content-Addressable aRchive)
// container format: a varint-length-prefixed DAG-CBOR header naming the
// archive's root CIDs, followed by a sequence of varint-length-prefixed
// (CID, block-bytes) pairs. Reads are indexed random access over an
// io.ReaderAt; writes append sequentially to an io.Writer.
package carstore

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"github.com/multiformats/go-varint"

	"github.com/gravwell/atcore/atcrypto"
)

var (
	ErrInvalidCIDv0       = errors.New("carstore: unsupported CID version")
	ErrInvalidHash        = errors.New("carstore: block data does not hash to its CID")
	ErrNotFound           = errors.New("carstore: block not found")
	ErrUnsupportedVersion = errors.New("carstore: unsupported CAR version")
)

// Header is the CARv1 header: a version tag and the archive's root CIDs.
type Header struct {
	Version uint64    `cbor:"version"`
	Roots   []cid.Cid `cbor:"roots"`
}

type blockLoc struct {
	offset int64
	length int
}

// Store is an indexed reader over a CAR file: it scans the block section
// once on Open, recording each block's (offset, length) so Get is O(1)
// without holding the whole archive in memory.
type Store struct {
	mtx   sync.RWMutex
	r     io.ReaderAt
	size  int64
	hdr   Header
	index map[cid.Cid]blockLoc
}

// Open scans r (of total length size), builds the block index, and verifies
// every SHA-256-hashed block's digest as it is read: a mismatch is fatal at
// Open rather than deferred to whichever Get call happens to touch that
// block first. Unknown hash functions are indexed without verification.
func Open(r io.ReaderAt, size int64) (*Store, error) {
	sr := io.NewSectionReader(r, 0, size)
	hdr, headerLen, err := readHeader(sr)
	if err != nil {
		return nil, err
	}
	if hdr.Version != 1 {
		return nil, ErrUnsupportedVersion
	}

	s := &Store{r: r, size: size, hdr: hdr, index: map[cid.Cid]blockLoc{}}
	pos := int64(headerLen)
	for pos < size {
		sec := io.NewSectionReader(r, pos, size-pos)
		dataLen, viLen, err := readVarint(sec)
		if err != nil {
			break
		}
		blockStart := pos + int64(viLen)
		blockSec := io.NewSectionReader(r, blockStart, int64(dataLen))
		c, cidLen, err := readCID(blockSec)
		if err != nil {
			return nil, err
		}
		dataOffset := blockStart + int64(cidLen)
		dataSize := int(dataLen) - cidLen
		data := make([]byte, dataSize)
		if _, err := r.ReadAt(data, dataOffset); err != nil {
			return nil, err
		}
		if verifiable, ok := atcrypto.VerifyHash(c, data); verifiable && !ok {
			return nil, ErrInvalidHash
		}
		s.index[c] = blockLoc{offset: dataOffset, length: dataSize}
		pos = dataOffset + int64(dataSize)
	}
	return s, nil
}

// Roots returns the archive's declared root CIDs.
func (s *Store) Roots() []cid.Cid {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	out := make([]cid.Cid, len(s.hdr.Roots))
	copy(out, s.hdr.Roots)
	return out
}

// Get returns the raw block bytes for c. The digest was already verified
// when Open indexed this block, so this is a plain offset read.
func (s *Store) Get(c cid.Cid) ([]byte, error) {
	s.mtx.RLock()
	loc, ok := s.index[c]
	s.mtx.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	buf := make([]byte, loc.length)
	if _, err := s.r.ReadAt(buf, loc.offset); err != nil {
		return nil, err
	}
	return buf, nil
}

// Has reports whether c is present in the archive without reading its data.
func (s *Store) Has(c cid.Cid) bool {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	_, ok := s.index[c]
	return ok
}

// Iterator walks every (CID, block) pair in file order, the order needed to
// replay a firehose #commit's embedded CAR slice against a local MST.
func (s *Store) Iterator() *Iter {
	cids := make([]cid.Cid, 0, len(s.index))
	s.mtx.RLock()
	for c := range s.index {
		cids = append(cids, c)
	}
	sort.Slice(cids, func(i, j int) bool {
		return s.index[cids[i]].offset < s.index[cids[j]].offset
	})
	s.mtx.RUnlock()
	return &Iter{store: s, cids: cids}
}

type Iter struct {
	store *Store
	cids  []cid.Cid
	pos   int
}

func (it *Iter) Next() (cid.Cid, []byte, bool, error) {
	if it.pos >= len(it.cids) {
		return cid.Undef, nil, false, nil
	}
	c := it.cids[it.pos]
	it.pos++
	b, err := it.store.Get(c)
	if err != nil {
		return cid.Undef, nil, false, err
	}
	return c, b, true, nil
}

func readHeader(r io.Reader) (Header, int, error) {
	hdrLen, viLen, err := readVarint(r)
	if err != nil {
		return Header{}, 0, fmt.Errorf("carstore: reading header length: %w", err)
	}
	buf := make([]byte, hdrLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Header{}, 0, fmt.Errorf("carstore: reading header: %w", err)
	}
	var hdr Header
	if err := cbor.Unmarshal(buf, &hdr); err != nil {
		return Header{}, 0, fmt.Errorf("carstore: decoding header: %w", err)
	}
	return hdr, viLen + int(hdrLen), nil
}

func readVarint(r io.Reader) (uint64, int, error) {
	br, ok := r.(io.ByteReader)
	if !ok {
		br = bufReader{r}
	}
	return varint.ReadUvarint(br)
}

type bufReader struct{ io.Reader }

func (b bufReader) ReadByte() (byte, error) {
	var buf [1]byte
	if _, err := io.ReadFull(b.Reader, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// readCID parses a binary CID from the front of r, returning it and the
// number of bytes it occupied, accepting the legacy CIDv0 fixed prefix as
// well as general CIDv1 multicodec+multihash encodings.
func readCID(r io.Reader) (cid.Cid, int, error) {
	var consumed int
	br := bufReader{r}
	version, viLen, err := varint.ReadUvarint(br)
	if err != nil {
		return cid.Undef, 0, err
	}
	consumed += viLen
	codec, viLen2, err := varint.ReadUvarint(br)
	if err != nil {
		return cid.Undef, 0, err
	}
	consumed += viLen2

	if version == 0x12 && codec == 0x20 {
		digest := make([]byte, 32)
		if _, err := io.ReadFull(r, digest); err != nil {
			return cid.Undef, 0, err
		}
		consumed += 32
		mh, err := multihash.Encode(digest, 0x12)
		if err != nil {
			return cid.Undef, 0, err
		}
		return cid.NewCidV0(mh), consumed, nil
	}
	if version != 1 {
		return cid.Undef, 0, ErrInvalidCIDv0
	}
	mhCode, viLen3, err := varint.ReadUvarint(br)
	if err != nil {
		return cid.Undef, 0, err
	}
	mhLen, viLen4, err := varint.ReadUvarint(br)
	if err != nil {
		return cid.Undef, 0, err
	}
	digest := make([]byte, mhLen)
	if _, err := io.ReadFull(r, digest); err != nil {
		return cid.Undef, 0, err
	}
	consumed += viLen3 + viLen4 + int(mhLen)
	mh, err := multihash.Encode(digest, mhCode)
	if err != nil {
		return cid.Undef, 0, err
	}
	return cid.NewCidV1(codec, mh), consumed, nil
}

// Writer appends blocks to a growing CAR file, the append-only counterpart
// to Store's indexed reads.
type Writer struct {
	w       io.Writer
	wroteHdr bool
	root    cid.Cid
}

func NewWriter(w io.Writer, root cid.Cid) *Writer {
	return &Writer{w: w, root: root}
}

// WriteHeader emits the CARv1 header naming w's single root. WriteBlock
// calls it if it has not run yet; later calls write nothing.
func (w *Writer) WriteHeader() error {
	if w.wroteHdr {
		return nil
	}
	hdr := Header{Version: 1, Roots: []cid.Cid{w.root}}
	hb, err := cbor.Marshal(hdr)
	if err != nil {
		return err
	}
	if err := writeVarint(w.w, uint64(len(hb))); err != nil {
		return err
	}
	if _, err := w.w.Write(hb); err != nil {
		return err
	}
	w.wroteHdr = true
	return nil
}

// WriteBlock appends one (CID, data) pair.
func (w *Writer) WriteBlock(c cid.Cid, data []byte) error {
	if !w.wroteHdr {
		if err := w.WriteHeader(); err != nil {
			return err
		}
	}
	cidBytes := c.Bytes()
	total := uint64(len(cidBytes) + len(data))
	if err := writeVarint(w.w, total); err != nil {
		return err
	}
	if _, err := w.w.Write(cidBytes); err != nil {
		return err
	}
	_, err := w.w.Write(data)
	return err
}

func writeVarint(w io.Writer, v uint64) error {
	buf := make([]byte, varint.UvarintSize(v))
	varint.PutUvarint(buf, v)
	_, err := w.Write(buf)
	return err
}

// Encode serializes blocks (in the order given) as a complete CARv1 byte
// stream rooted at root.
func Encode(root cid.Cid, blocks []Block) ([]byte, error) {
	var buf bytes.Buffer
	w := NewWriter(&buf, root)
	if err := w.WriteHeader(); err != nil {
		return nil, err
	}
	for _, b := range blocks {
		if err := w.WriteBlock(b.CID, b.Data); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// Block is a single CID-addressed chunk of data, the unit carstore reads
// and writes.
type Block struct {
	CID  cid.Cid
	Data []byte
}
