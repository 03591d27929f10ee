package stream

import (
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gravwell/atcore/atcrypto"
	"github.com/gravwell/atcore/repo/carstore"
)

type queueReader struct {
	frames [][]byte
	pos    int
}

func (q *queueReader) ReadMessage() (int, []byte, error) {
	if q.pos >= len(q.frames) {
		return 0, nil, assertEOF{}
	}
	f := q.frames[q.pos]
	q.pos++
	return 2, f, nil
}

type assertEOF struct{}

func (assertEOF) Error() string { return "queueReader: no more frames" }

func frame(t *testing.T, hdr Header, payload interface{}) []byte {
	t.Helper()
	h, err := cbor.Marshal(hdr)
	require.NoError(t, err)
	p, err := cbor.Marshal(payload)
	require.NoError(t, err)
	return append(h, p...)
}

func TestDecoderDispatchesIdentity(t *testing.T) {
	f := frame(t, Header{Op: 1, T: "#identity"}, IdentityData{Did: "did:plc:abc", Handle: "alice.test", Seq: 1, Time: "2024-01-01T00:00:00Z"})
	d := NewDecoder(&queueReader{frames: [][]byte{f}})

	ev, err := d.Next()
	require.NoError(t, err)
	require.NotNil(t, ev.Identity)
	assert.Equal(t, "did:plc:abc", ev.Identity.Did)
}

func TestDecoderIgnoresUnknownType(t *testing.T) {
	f := frame(t, Header{Op: 1, T: "#non-existent"}, map[string]interface{}{"x": 1})
	d := NewDecoder(&queueReader{frames: [][]byte{f}})

	ev, err := d.Next()
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func TestDecoderClassifiesErrorFrame(t *testing.T) {
	f := frame(t, Header{Op: -1}, errorFrame{Error: "FutureCursor", Message: "cursor too far ahead"})
	d := NewDecoder(&queueReader{frames: [][]byte{f}})

	_, err := d.Next()
	var subErr *SubscriptionError
	require.ErrorAs(t, err, &subErr)
	assert.Equal(t, KindFutureCursor, subErr.Kind)
}

func TestDecoderAbortsOnBadHeader(t *testing.T) {
	d := NewDecoder(&queueReader{frames: [][]byte{{0xff, 0xff}}})

	_, err := d.Next()
	var abort *Abort
	require.ErrorAs(t, err, &abort)
}

func TestDecoderResolvesCommitOps(t *testing.T) {
	recordBytes, err := cbor.Marshal(map[string]interface{}{"$type": "app.bsky.feed.post", "text": "hi"})
	require.NoError(t, err)
	c, err := atcrypto.CIDFromBytes(atcrypto.CodecDagCbor, recordBytes)
	require.NoError(t, err)

	carBytes, err := carstore.Encode(c, []carstore.Block{{CID: c, Data: recordBytes}})
	require.NoError(t, err)

	data := CommitData{
		Seq:    1,
		Repo:   "did:plc:abc",
		Commit: c,
		Rev:    "3jzfcijpj2z2a",
		Blocks: carBytes,
		Ops:    []RepoOp{{Action: ActionCreate, Path: "app.bsky.feed.post/aaa", Cid: &c}},
		Time:   "2024-01-01T00:00:00Z",
	}
	f := frame(t, Header{Op: 1, T: "#commit"}, data)
	d := NewDecoder(&queueReader{frames: [][]byte{f}})

	ev, err := d.Next()
	require.NoError(t, err)
	require.NotNil(t, ev.Commit)
	require.Len(t, ev.Commit.ResolvedOps, 1)
	assert.Equal(t, "hi", ev.Commit.ResolvedOps[0].Record["text"])
}

func TestDecoderSkipsResolutionWhenTooBig(t *testing.T) {
	data := CommitData{Seq: 1, Repo: "did:plc:abc", TooBig: true, Ops: []RepoOp{{Action: ActionCreate, Path: "x/y"}}}
	f := frame(t, Header{Op: 1, T: "#commit"}, data)
	d := NewDecoder(&queueReader{frames: [][]byte{f}})

	ev, err := d.Next()
	require.NoError(t, err)
	assert.Nil(t, ev.Commit.ResolvedOps)
}
