package disco

import (
	"sort"

	"github.com/google/uuid"
)

// ConnState is the per-fd handshake and fetch-routing state the gossip
// engine tracks for a live connection. connID disambiguates a reused fd
// number from an earlier connection that used the same number; version
// is non-zero once Init has been received, which is the connection's
// "initialized" flag.
type ConnState struct {
	fd      int
	connID  int64
	nodeID  uuid.UUID
	addr    NodeAddress
	version uint64

	// pendingFetches buffers outbound Fetch requests addressed to this
	// peer while the connection hasn't finished its handshake yet (we
	// dialed it to resolve a key but Init hasn't arrived back). Flushed
	// once the connection initializes.
	pendingFetches []fetchRequest
}

func (c *ConnState) initialized() bool {
	return c.version != 0
}

// connExpEntry is one FIFO entry tracking when a connection was
// established, so the mesh manager can time out handshakes that never
// complete.
type connExpEntry struct {
	fd         int
	connID     int64
	enqueuedAt int64 // ms
}

// connTable is the connection table: live peer connections keyed by fd,
// a nodeID->fd index for initialized peers, and the idle-expiration
// FIFO.
type connTable struct {
	byFd     map[int]*ConnState
	byNodeID map[uuid.UUID]int
	nextConn int64
	expQueue []connExpEntry
}

func newConnTable() *connTable {
	return &connTable{
		byFd:     make(map[int]*ConnState),
		byNodeID: make(map[uuid.UUID]int),
	}
}

// onConnect registers a freshly opened, uninitialized connection and
// enqueues its idle-expiration entry.
func (t *connTable) onConnect(fd int, nowMs int64) *ConnState {
	t.nextConn++
	cs := &ConnState{fd: fd, connID: t.nextConn}
	t.byFd[fd] = cs
	t.expQueue = append(t.expQueue, connExpEntry{fd: fd, connID: cs.connID, enqueuedAt: nowMs})
	return cs
}

func (t *connTable) get(fd int) (*ConnState, bool) {
	cs, ok := t.byFd[fd]
	return cs, ok
}

func (t *connTable) byNode(nodeID uuid.UUID) (*ConnState, bool) {
	fd, ok := t.byNodeID[nodeID]
	if !ok {
		return nil, false
	}
	return t.get(fd)
}

// markInitialized records a successful handshake. If another connection
// is already registered for nodeID, the caller is expected to drop the
// newer one; markInitialized reports the existing fd so the caller can
// make that call.
func (t *connTable) markInitialized(fd int, nodeID uuid.UUID, version uint64, addr NodeAddress) (existingFd int, duplicate bool) {
	cs, ok := t.byFd[fd]
	if !ok {
		return 0, false
	}
	if existing, ok := t.byNodeID[nodeID]; ok && existing != fd {
		return existing, true
	}
	cs.nodeID = nodeID
	cs.version = version
	cs.addr = addr
	t.byNodeID[nodeID] = fd
	return 0, false
}

// remove reaps a connection's state entirely, whether torn down by the
// endpoint's disconnect callback or by the mesh manager.
func (t *connTable) remove(fd int) {
	cs, ok := t.byFd[fd]
	if !ok {
		return
	}
	if cs.initialized() {
		if mapped, ok := t.byNodeID[cs.nodeID]; ok && mapped == fd {
			delete(t.byNodeID, cs.nodeID)
		}
	}
	delete(t.byFd, fd)
}

// initializedFds lists the fds of every handshaken connection, ordered
// by fd for determinism.
func (t *connTable) initializedFds() []int {
	var fds []int
	for fd, cs := range t.byFd {
		if cs.initialized() {
			fds = append(fds, fd)
		}
	}
	sort.Ints(fds)
	return fds
}

func (t *connTable) connectedNodeIDs() map[uuid.UUID]bool {
	out := make(map[uuid.UUID]bool, len(t.byNodeID))
	for id := range t.byNodeID {
		out[id] = true
	}
	return out
}

// expireIdle pops the head of the idle-expiration FIFO while it is older
// than threshMs and still uninitialized, returning the fds to tear down.
// A popped entry whose connID no longer matches the live ConnState (the
// fd was reused by a newer connection) or that no longer exists is
// silently dropped rather than torn down — a stale queue entry must never
// tear down a connection it wasn't enqueued for.
func (t *connTable) expireIdle(nowMs int64, threshMs int64) []int {
	var toDrop []int
	for len(t.expQueue) > 0 {
		head := t.expQueue[0]
		if nowMs-head.enqueuedAt < threshMs {
			break
		}
		t.expQueue = t.expQueue[1:]

		cs, ok := t.byFd[head.fd]
		if !ok || cs.connID != head.connID {
			continue
		}
		if cs.initialized() {
			continue
		}
		toDrop = append(toDrop, head.fd)
	}
	return toDrop
}
