package atcrypto

import (
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// CodecDagCbor and CodecRaw are the only two IPLD codecs the core mints
// blocks under; every created block is CIDv1 DAG-CBOR + SHA-256 per the
// data model.
const (
	CodecDagCbor = 0x71
	CodecRaw     = 0x55
)

// CIDFromBytes mints a CIDv1 over data using the given codec and SHA-256,
// the only hash function the core creates new blocks with. CIDv0 and other
// hash functions are accepted on read (see DecodeCID) but never produced.
func CIDFromBytes(codec uint64, data []byte) (cid.Cid, error) {
	digest := Sha256(data)
	mh, err := multihash.Encode(digest[:], multihash.SHA2_256)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(codec, mh), nil
}

// DecodeCID parses a CID from its binary form, accepting both CIDv1 and
// legacy CIDv0 (dag-pb + sha2-256, implicit base58btc) representations.
func DecodeCID(b []byte) (cid.Cid, error) {
	return cid.Cast(b)
}

// ParseCID parses a CID from its textual (multibase) form.
func ParseCID(s string) (cid.Cid, error) {
	return cid.Decode(s)
}

// VerifyHash checks that data hashes to the digest embedded in c's
// multihash, when that multihash is SHA-256. Unknown hash codes are not
// verifiable here; callers should index such blocks without verification
// rather than rejecting them outright.
func VerifyHash(c cid.Cid, data []byte) (verifiable bool, ok bool) {
	decoded, err := multihash.Decode(c.Hash())
	if err != nil || decoded.Code != multihash.SHA2_256 {
		return false, false
	}
	digest := Sha256(data)
	if len(decoded.Digest) != len(digest) {
		return true, false
	}
	for i := range digest {
		if decoded.Digest[i] != digest[i] {
			return true, false
		}
	}
	return true, true
}
