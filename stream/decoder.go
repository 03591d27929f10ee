package stream

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"

	"github.com/gravwell/atcore/atlog"
	"github.com/gravwell/atcore/repo/carstore"
)

// FrameReader abstracts the transport a Decoder pulls binary messages from,
// satisfied by *websocket.Conn; tests substitute an in-memory queue.
type FrameReader interface {
	ReadMessage() (messageType int, p []byte, err error)
}

// Decoder turns a sequence of raw binary frames into typed Events. It is
// single-owner per spec's concurrency model: no internal locking, one
// goroutine drives Next.
type Decoder struct {
	r   FrameReader
	log *atlog.Logger
}

// Option configures a Decoder.
type Option func(*Decoder)

func WithLogger(l *atlog.Logger) Option {
	return func(d *Decoder) { d.log = l }
}

func NewDecoder(r FrameReader, opts ...Option) *Decoder {
	d := &Decoder{r: r, log: atlog.Discard()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Next reads and decodes the next frame, returning the typed Event it
// represents. It returns (nil, nil) for a frame with an unrecognized t (the
// "ignore unknown" forward-compatibility rule), a *SubscriptionError for an
// op=-1 frame, and an *Abort for any framing failure, which the caller
// should treat as fatal to the connection.
func (d *Decoder) Next() (*Event, error) {
	_, raw, err := d.r.ReadMessage()
	if err != nil {
		return nil, &Abort{Reason: "transport read failed", Cause: err}
	}

	dec := cbor.NewDecoder(bytes.NewReader(raw))
	var hdr Header
	if err := dec.Decode(&hdr); err != nil {
		return nil, &Abort{Reason: "header decode failed", Cause: err}
	}

	payload := raw[dec.NumBytesRead():]
	if len(payload) == 0 {
		if hdr.Op != -1 {
			return nil, &Abort{Reason: "empty payload after non-error header"}
		}
	}

	if hdr.Op == -1 {
		var ef errorFrame
		if err := cbor.Unmarshal(payload, &ef); err != nil {
			return nil, &Abort{Reason: "error payload decode failed", Cause: err}
		}
		return nil, classifyError(ef)
	}

	switch hdr.T {
	case "#commit":
		var data CommitData
		if err := cbor.Unmarshal(payload, &data); err != nil {
			return nil, &Abort{Reason: "commit payload decode failed", Cause: err}
		}
		ev, err := d.processCommit(data)
		if err != nil {
			return nil, &Abort{Reason: "commit processing failed", Cause: err}
		}
		return &Event{Type: hdr.T, Commit: ev}, nil
	case "#identity":
		var data IdentityData
		if err := cbor.Unmarshal(payload, &data); err != nil {
			return nil, &Abort{Reason: "identity payload decode failed", Cause: err}
		}
		return &Event{Type: hdr.T, Identity: &data}, nil
	case "#account":
		var data AccountData
		if err := cbor.Unmarshal(payload, &data); err != nil {
			return nil, &Abort{Reason: "account payload decode failed", Cause: err}
		}
		return &Event{Type: hdr.T, Account: &data}, nil
	case "#handle":
		var data HandleData
		if err := cbor.Unmarshal(payload, &data); err != nil {
			return nil, &Abort{Reason: "handle payload decode failed", Cause: err}
		}
		return &Event{Type: hdr.T, Handle: &data}, nil
	case "#migrate":
		var data MigrateData
		if err := cbor.Unmarshal(payload, &data); err != nil {
			return nil, &Abort{Reason: "migrate payload decode failed", Cause: err}
		}
		return &Event{Type: hdr.T, Migrate: &data}, nil
	case "#tombstone":
		var data TombstoneData
		if err := cbor.Unmarshal(payload, &data); err != nil {
			return nil, &Abort{Reason: "tombstone payload decode failed", Cause: err}
		}
		return &Event{Type: hdr.T, Tombstone: &data}, nil
	case "#info":
		var data InfoData
		if err := cbor.Unmarshal(payload, &data); err != nil {
			return nil, &Abort{Reason: "info payload decode failed", Cause: err}
		}
		return &Event{Type: hdr.T, Info: &data}, nil
	default:
		d.log.Debugf("stream: ignoring frame with unknown t %q", hdr.T)
		return nil, nil
	}
}

// processCommit rehydrates data.Blocks as a CAR archive and resolves each
// op's record by CID, per spec: delete ops and any op whose CID is outside
// the embedded blocks carry no record. A tooBig commit's ops are never
// resolved, since the server declined to include them.
func (d *Decoder) processCommit(data CommitData) (*CommitEvent, error) {
	ev := &CommitEvent{CommitData: data}
	if data.TooBig {
		return ev, nil
	}

	store, err := carstore.Open(bytes.NewReader(data.Blocks), int64(len(data.Blocks)))
	if err != nil {
		return nil, fmt.Errorf("stream: opening commit CAR: %w", err)
	}

	ev.ResolvedOps = make([]ResolvedOp, 0, len(data.Ops))
	for _, op := range data.Ops {
		resolved := ResolvedOp{Action: op.Action, Path: op.Path, Cid: op.Cid}
		if op.Action != ActionDelete && op.Cid != nil {
			record, err := resolveRecord(store, *op.Cid)
			if err != nil && !errors.Is(err, carstore.ErrNotFound) {
				return nil, err
			}
			resolved.Record = record
		}
		ev.ResolvedOps = append(ev.ResolvedOps, resolved)
	}
	return ev, nil
}

func resolveRecord(store *carstore.Store, c cid.Cid) (map[string]interface{}, error) {
	data, err := store.Get(c)
	if err != nil {
		return nil, err
	}
	var rec map[string]interface{}
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("stream: decoding record %s: %w", c, err)
	}
	return rec, nil
}
