// Package stream decodes the atproto event-stream (firehose) framing: each
// inbound websocket binary message is two concatenated DAG-CBOR values, a
// header then a typed payload. Decoder.Next dispatches on the header's
// type tag and returns a single tagged Event per call.
package stream

import (
	"github.com/ipfs/go-cid"
)

// Header is the two-field frame preamble: op distinguishes a normal event
// (1) from an error frame (-1); t names the payload's event type and is
// absent on error frames.
type Header struct {
	Op int    `cbor:"op"`
	T  string `cbor:"t,omitempty"`
}

// RepoOp is one entry in a #commit frame's ops list: a create, update, or
// delete at path, naming the new record's CID (absent for delete).
type RepoOp struct {
	Action string   `cbor:"action"`
	Path   string   `cbor:"path"`
	Cid    *cid.Cid `cbor:"cid"`
}

const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// CommitData is the #commit payload as it arrives on the wire, before the
// embedded CAR slice in Blocks is rehydrated into Ops' resolved records.
type CommitData struct {
	Seq    int64     `cbor:"seq"`
	Repo   string    `cbor:"repo"`
	Commit cid.Cid   `cbor:"commit"`
	Rev    string    `cbor:"rev"`
	Since  *string   `cbor:"since"`
	Blocks []byte    `cbor:"blocks"`
	Ops    []RepoOp  `cbor:"ops"`
	Blobs  []cid.Cid `cbor:"blobs"`
	Time   string    `cbor:"time"`
	TooBig bool      `cbor:"tooBig"`
}

type IdentityData struct {
	Did    string `cbor:"did"`
	Handle string `cbor:"handle,omitempty"`
	Seq    int64  `cbor:"seq"`
	Time   string `cbor:"time"`
}

type AccountData struct {
	Did    string  `cbor:"did"`
	Active bool    `cbor:"active"`
	Status *string `cbor:"status,omitempty"`
	Seq    int64   `cbor:"seq"`
	Time   string  `cbor:"time"`
}

type HandleData struct {
	Did    string `cbor:"did"`
	Handle string `cbor:"handle"`
	Seq    int64  `cbor:"seq"`
	Time   string `cbor:"time"`
}

type MigrateData struct {
	Did       string  `cbor:"did"`
	MigrateTo *string `cbor:"migrateTo"`
	Seq       int64   `cbor:"seq"`
	Time      string  `cbor:"time"`
}

type TombstoneData struct {
	Did  string `cbor:"did"`
	Seq  int64  `cbor:"seq"`
	Time string `cbor:"time"`
}

type InfoData struct {
	Name    string  `cbor:"name"`
	Message *string `cbor:"message,omitempty"`
}

// ResolvedOp is a RepoOp whose record has been looked up in the commit's
// embedded CAR blocks and decoded, when the action carries one.
type ResolvedOp struct {
	Action string
	Path   string
	Cid    *cid.Cid
	Record map[string]interface{}
}

// CommitEvent is the fully processed #commit event: CommitData with Ops
// resolved to decoded records (nil ResolvedOps when TooBig, per spec).
type CommitEvent struct {
	CommitData
	ResolvedOps []ResolvedOp
}

// Event is the tagged union Decoder.Next returns; exactly one field is
// non-nil depending on Type.
type Event struct {
	Type      string
	Commit    *CommitEvent
	Identity  *IdentityData
	Account   *AccountData
	Handle    *HandleData
	Migrate   *MigrateData
	Tombstone *TombstoneData
	Info      *InfoData
}
