package disco

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// localEntry is one locally published key: the keyId and payload this
// node itself owns for that key.
type localEntry struct {
	keyID   uuid.UUID
	payload []byte
}

// Node is one discovery process. It owns every core data structure
// (connection table, item stores, watches, fetches) exclusively on a
// single driver goroutine; all public-facing methods post commands onto
// that goroutine instead of mutating state directly, so nothing needs a
// lock.
type Node struct {
	id     uuid.UUID
	myAddr NodeAddress
	cfg    Config
	clock  Clock
	idgen  IDGenerator
	endpoint Endpoint
	metrics *Metrics

	conns   *connTable
	nodes   *itemSet
	keys    map[string]*itemSet
	data    map[string]localEntry
	watches *watchDispatcher
	fetches *fetchEngine

	// fetchDialPending buffers fetch requests for fds whose background
	// dial (see attemptFetchSend) completed before the driver processed
	// the matching connectCh event.
	fetchDialPending map[int][]fetchRequest

	cmdCh        chan func(*Node)
	payloadCh    chan payloadEvent
	connectCh    chan int
	disconnectCh chan int

	stopCh chan struct{}
	doneCh chan struct{}

	wg sync.WaitGroup
}

type payloadEvent struct {
	fd   int
	data []byte
}

// Options customizes construction beyond Config, mainly for tests that
// need a fake Endpoint/Clock/IDGenerator.
type Options struct {
	Endpoint Endpoint
	Clock    Clock
	IDGen    IDGenerator
	Metrics  *Metrics
}

// New constructs a Node, starts it listening on cfg.Port, and launches
// its driver goroutine.
func New(cfg Config, opts Options) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	endpoint := opts.Endpoint
	if endpoint == nil {
		endpoint = NewTCPEndpoint(cfg.NetworkTimeout)
	}
	clock := opts.Clock
	if clock == nil {
		clock = systemClock{}
	}
	idgen := opts.IDGen
	if idgen == nil {
		idgen = uuidGenerator{}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}

	n := &Node{
		id:       idgen.NewID(),
		cfg:      cfg,
		clock:    clock,
		idgen:    idgen,
		endpoint: endpoint,
		metrics:  metrics,

		conns:   newConnTable(),
		nodes:   newItemSet(),
		keys:    make(map[string]*itemSet),
		data:    make(map[string]localEntry),
		watches: newWatchDispatcher(),
		fetches: newFetchEngine(),

		fetchDialPending: make(map[int][]fetchRequest),

		cmdCh:        make(chan func(*Node), 64),
		payloadCh:    make(chan payloadEvent, 256),
		connectCh:    make(chan int, 16),
		disconnectCh: make(chan int, 16),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}

	endpoint.OnConnect(func(fd int) { n.connectCh <- fd })
	endpoint.OnDisconnect(func(fd int) { n.disconnectCh <- fd })
	endpoint.OnPayload(func(fd int, data []byte) { n.payloadCh <- payloadEvent{fd: fd, data: data} })

	if err := endpoint.Listen(HostPort{Host: "0.0.0.0", Port: cfg.Port}); err != nil {
		return nil, fmt.Errorf("listen on port %d: %w", cfg.Port, err)
	}
	n.myAddr = NodeAddress{endpoint.LocalAddr()}

	n.wg.Add(1)
	go n.drive()

	return n, nil
}

// drive is the single-threaded event loop: every state mutation in the
// node happens here, on this one goroutine. It multiplexes transport
// events, two timers (mesh maintenance and idle handshake expiration),
// and the command queue fed by the public façade.
func (n *Node) drive() {
	defer n.wg.Done()
	defer close(n.doneCh)

	meshTimer := time.NewTimer(timerPeriod(n.cfg.Period))
	defer meshTimer.Stop()
	idleTimer := time.NewTimer(n.cfg.ConnExpThresh / 2)
	defer idleTimer.Stop()

	n.seedIfEmpty()

	for {
		select {
		case <-n.stopCh:
			return

		case fd := <-n.connectCh:
			n.onConnect(fd)

		case fd := <-n.disconnectCh:
			n.onDisconnect(fd)

		case ev := <-n.payloadCh:
			n.onPayload(ev.fd, ev.data)

		case cmd := <-n.cmdCh:
			cmd(n)

		case <-meshTimer.C:
			n.meshTick()
			meshTimer.Reset(timerPeriod(n.cfg.Period))

		case <-idleTimer.C:
			n.idleTick()
			idleTimer.Reset(n.cfg.ConnExpThresh / 2)
		}
	}
}

// post enqueues fn to run on the driver goroutine. Every public-facing
// method that mutates state goes through post rather than touching the
// node's fields directly, since callers can be on any goroutine.
func (n *Node) post(fn func(*Node)) {
	select {
	case n.cmdCh <- fn:
	case <-n.doneCh:
	}
}

// ID returns this node's UUID. Immutable after construction, so it's
// safe to read without posting to the driver.
func (n *Node) ID() uuid.UUID {
	return n.id
}

// NodeAddr returns this node's advertised address. Immutable after
// construction.
func (n *Node) NodeAddr() NodeAddress {
	return n.myAddr
}

// Publish advertises (key, payload) with a freshly generated keyId.
// Re-publishing assigns a new keyId.
func (n *Node) Publish(key string, payload []byte) {
	n.post(func(nd *Node) { nd.publish(key, payload) })
}

// Retract removes the local publication for key and broadcasts a TTL-0
// Keys frame so peers expire it.
func (n *Node) Retract(key string) {
	n.post(func(nd *Node) { nd.retract(key) })
}

// Discover registers a watch on key under handle. onArrive fires once
// per (handle, keyId) the first time that keyId's payload is resolved;
// onLose fires if a previously-delivered keyId later expires. onLose may
// be nil.
func (n *Node) Discover(key string, handle uint64, onArrive WatchCallback, onLose LossCallback) {
	n.post(func(nd *Node) { nd.discover(key, handle, onArrive, onLose) })
}

// Forget removes the watch registered under handle for key.
func (n *Node) Forget(key string, handle uint64) {
	n.post(func(nd *Node) { nd.forget(key, handle) })
}

// Close gracefully shuts the node down: broadcasts a retraction-style
// farewell for every local publication, stops the driver loop, and
// closes the endpoint. Returns once the driver goroutine has stopped and
// the endpoint is closed; background dials still in flight are not
// waited for.
func (n *Node) Close() error {
	done := make(chan struct{})
	n.post(func(nd *Node) {
		for key := range nd.data {
			nd.retract(key)
		}
		close(done)
	})
	select {
	case <-done:
	case <-n.doneCh:
	}

	close(n.stopCh)
	n.wg.Wait()
	return n.endpoint.Close()
}
