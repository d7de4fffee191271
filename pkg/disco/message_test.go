package disco

import (
	"reflect"
	"testing"

	"github.com/google/uuid"
)

func TestEncodeDecodeFrameRoundTrip(t *testing.T) {
	nodeID := uuid.New()
	keyID := uuid.New()
	addr := NodeAddress{{Host: "10.0.0.1", Port: 9000}, {Host: "192.168.1.1", Port: 9000}}

	cases := []struct {
		name string
		tag  tag
		msg  interface{}
	}{
		{"init", tagInit, initMsg{ProtoVersion: 1, NodeID: nodeID, Addr: addr, TTLMs: 60000}},
		{"keys", tagKeys, keysMsg{Entries: []keyEntry{{Key: "k", KeyID: keyID, Addrs: addr, TTLMs: 1000}}}},
		{"query", tagQuery, queryMsg{Keys: []string{"a", "b"}}},
		{"nodes", tagNodes, nodesMsg{Entries: []nodeEntry{{NodeID: nodeID, Addrs: addr, TTLMs: 1000}}}},
		{"fetch", tagFetch, fetchMsg{Requests: []fetchRequest{{Key: "k", KeyID: keyID}}}},
		{"data", tagData, dataMsg{Entries: []dataEntry{{Key: "k", KeyID: keyID, Payload: []byte("hello")}}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			frame, err := encodeFrame(tc.tag, tc.msg)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}

			gotTag, gotMsg, err := decodeFrame(frame)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if gotTag != tc.tag {
				t.Fatalf("tag = %v, want %v", gotTag, tc.tag)
			}
			if gotMsg == nil {
				t.Fatal("decoded message is nil")
			}
			if !reflect.DeepEqual(gotMsg, tc.msg) {
				t.Fatalf("decoded message = %+v, want %+v", gotMsg, tc.msg)
			}
		})
	}
}

func TestDecodeFrameRejectsEmpty(t *testing.T) {
	if _, _, err := decodeFrame(nil); err == nil {
		t.Fatal("decoding an empty frame should error")
	}
}

func TestDecodeFrameRejectsUnknownTag(t *testing.T) {
	if _, _, err := decodeFrame([]byte{99}); err == nil {
		t.Fatal("decoding an unknown tag should error")
	}
}

func TestTagString(t *testing.T) {
	for _, tc := range []struct {
		tag  tag
		want string
	}{
		{tagInit, "INIT"},
		{tagKeys, "KEYS"},
		{tagQuery, "QUERY"},
		{tagNodes, "NODES"},
		{tagFetch, "FETCH"},
		{tagData, "DATA"},
	} {
		if got := tc.tag.String(); got != tc.want {
			t.Fatalf("tag(%d).String() = %q, want %q", tc.tag, got, tc.want)
		}
	}
}
