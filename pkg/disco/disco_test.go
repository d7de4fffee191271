package disco

import (
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
)

// newTestNode starts a real node on an OS-assigned port with timings
// fast enough for tests, seeded from the given peers. Stands up a real
// net.Listener rather than faking the transport, so these tests
// exercise the actual TCP endpoint end to end.
func newTestNode(t *testing.T, mutate func(*Config), seeds ...NodeAddress) *Node {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Port = 0
	cfg.TTL = 2 * time.Second
	cfg.Period = 80 * time.Millisecond
	cfg.ConnExpThresh = 150 * time.Millisecond
	cfg.NetworkTimeout = 2 * time.Second
	for _, addr := range seeds {
		for _, hp := range addr {
			cfg.Seeds = append(cfg.Seeds, HostPortConfig{Host: hp.Host, Port: hp.Port})
		}
	}
	if mutate != nil {
		mutate(&cfg)
	}

	n, err := New(cfg, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { n.Close() })
	return n
}

func waitPayload(t *testing.T, ch <-chan []byte, timeout time.Duration, what string) []byte {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for %s", what)
		return nil
	}
}

func TestTwoNodePublishThenDiscover(t *testing.T) {
	a := newTestNode(t, nil)
	b := newTestNode(t, nil, a.NodeAddr())

	time.Sleep(300 * time.Millisecond) // let the mesh form

	a.Publish("greeting", []byte("hello"))

	arrived := make(chan []byte, 1)
	b.Discover("greeting", 1, func(keyID uuid.UUID, payload []byte) {
		arrived <- payload
	}, nil)

	got := waitPayload(t, arrived, 3*time.Second, "discover to resolve the published payload")
	if string(got) != "hello" {
		t.Fatalf("payload = %q, want %q", got, "hello")
	}
}

func TestTwoNodeDiscoverBeforePublish(t *testing.T) {
	a := newTestNode(t, nil)
	b := newTestNode(t, nil, a.NodeAddr())

	time.Sleep(300 * time.Millisecond)

	arrived := make(chan []byte, 1)
	b.Discover("greeting", 1, func(keyID uuid.UUID, payload []byte) {
		arrived <- payload
	}, nil)

	time.Sleep(100 * time.Millisecond)
	a.Publish("greeting", []byte("hello again"))

	got := waitPayload(t, arrived, 3*time.Second, "discover registered before publish to still resolve")
	if string(got) != "hello again" {
		t.Fatalf("payload = %q, want %q", got, "hello again")
	}
}

func TestRepublishDeliversBothKeyIds(t *testing.T) {
	a := newTestNode(t, nil)
	b := newTestNode(t, nil, a.NodeAddr())

	time.Sleep(300 * time.Millisecond)

	type delivery struct {
		keyID   uuid.UUID
		payload string
	}
	deliveries := make(chan delivery, 2)
	b.Discover("svc", 1, func(keyID uuid.UUID, payload []byte) {
		deliveries <- delivery{keyID, string(payload)}
	}, nil)

	a.Publish("svc", []byte("v1"))
	var first delivery
	select {
	case first = <-deliveries:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for first delivery")
	}
	if first.payload != "v1" {
		t.Fatalf("first payload = %q, want v1", first.payload)
	}

	a.Publish("svc", []byte("v2"))
	var second delivery
	select {
	case second = <-deliveries:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for second delivery")
	}
	if second.payload != "v2" {
		t.Fatalf("second payload = %q, want v2", second.payload)
	}
	if second.keyID == first.keyID {
		t.Fatal("republish must assign a new keyId")
	}
}

func TestRetractEventuallyDispatchesLoss(t *testing.T) {
	shortTTL := func(cfg *Config) { cfg.TTL = 300 * time.Millisecond }
	a := newTestNode(t, shortTTL)
	b := newTestNode(t, nil, a.NodeAddr())

	time.Sleep(300 * time.Millisecond)

	arrived := make(chan []byte, 1)
	lost := make(chan uuid.UUID, 1)
	b.Discover("svc", 1, func(keyID uuid.UUID, payload []byte) { arrived <- payload }, func(keyID uuid.UUID) {
		lost <- keyID
	})

	a.Publish("svc", []byte("v1"))
	waitPayload(t, arrived, 3*time.Second, "initial delivery before retract")

	a.Retract("svc")

	select {
	case <-lost:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for lost callback after retract")
	}
}

func TestNonInitFirstFrameClosesConnection(t *testing.T) {
	a := newTestNode(t, nil)

	conn, err := net.DialTimeout("tcp", a.NodeAddr()[0].String(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := writeFrame(conn, []byte{byte(tagQuery), 0, 0}, 2*time.Second); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Fatal("expected the connection to be closed after a non-Init first frame")
	}
}
