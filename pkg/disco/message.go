package disco

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/google/uuid"
)

// tag identifies one of the six wire message types. Values 1..6 in
// declaration order; the ordering itself carries no meaning beyond
// giving each message type a stable one-byte discriminant on the wire.
type tag byte

const (
	tagInit tag = iota + 1
	tagKeys
	tagQuery
	tagNodes
	tagFetch
	tagData
)

func (t tag) String() string {
	switch t {
	case tagInit:
		return "INIT"
	case tagKeys:
		return "KEYS"
	case tagQuery:
		return "QUERY"
	case tagNodes:
		return "NODES"
	case tagFetch:
		return "FETCH"
	case tagData:
		return "DATA"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", byte(t))
	}
}

// initMsg is the handshake frame, sent first on every connection in both
// directions.
type initMsg struct {
	ProtoVersion uint64
	NodeID       uuid.UUID
	Addr         NodeAddress
	TTLMs        int64
}

// keyEntry is one advertised binding of a key to a specific keyId.
type keyEntry struct {
	Key   string
	KeyID uuid.UUID
	Addrs NodeAddress
	TTLMs int64
}

type keysMsg struct {
	Entries []keyEntry
}

type queryMsg struct {
	Keys []string
}

// nodeEntry is one advertised peer.
type nodeEntry struct {
	NodeID uuid.UUID
	Addrs  NodeAddress
	TTLMs  int64
}

type nodesMsg struct {
	Entries []nodeEntry
}

// fetchRequest asks for the payload behind one specific (key, keyId).
type fetchRequest struct {
	Key   string
	KeyID uuid.UUID
}

type fetchMsg struct {
	Requests []fetchRequest
}

// dataEntry delivers the payload for a requested (key, keyId).
type dataEntry struct {
	Key     string
	KeyID   uuid.UUID
	Payload []byte
}

type dataMsg struct {
	Entries []dataEntry
}

// encodeFrame serializes one wire message into a tagged byte frame: a
// single tag byte followed by the gob encoding of the payload. gob needs
// no schema shared out of band and handles every message struct here
// without per-type marshaling code.
func encodeFrame(t tag, v interface{}) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := buf.WriteByte(byte(t)); err != nil {
		return nil, err
	}
	if err := gob.NewEncoder(buf).Encode(v); err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", t, err)
	}
	return buf.Bytes(), nil
}

// decodeFrame reads the tag byte and gob-decodes the remainder into the
// matching message type. Unknown tags are reported as errors rather
// than silently ignored; trailing bytes beyond what gob consumes are
// ignored by construction, giving a forward-compatible core.
func decodeFrame(data []byte) (tag, interface{}, error) {
	if len(data) == 0 {
		return 0, nil, fmt.Errorf("empty frame")
	}
	t := tag(data[0])
	dec := gob.NewDecoder(bytes.NewReader(data[1:]))

	switch t {
	case tagInit:
		var m initMsg
		if err := dec.Decode(&m); err != nil {
			return t, nil, err
		}
		return t, m, nil
	case tagKeys:
		var m keysMsg
		if err := dec.Decode(&m); err != nil {
			return t, nil, err
		}
		return t, m, nil
	case tagQuery:
		var m queryMsg
		if err := dec.Decode(&m); err != nil {
			return t, nil, err
		}
		return t, m, nil
	case tagNodes:
		var m nodesMsg
		if err := dec.Decode(&m); err != nil {
			return t, nil, err
		}
		return t, m, nil
	case tagFetch:
		var m fetchMsg
		if err := dec.Decode(&m); err != nil {
			return t, nil, err
		}
		return t, m, nil
	case tagData:
		var m dataMsg
		if err := dec.Decode(&m); err != nil {
			return t, nil, err
		}
		return t, m, nil
	default:
		return t, nil, fmt.Errorf("unknown tag %d", byte(t))
	}
}
