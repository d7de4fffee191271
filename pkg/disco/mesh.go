package disco

import "math/rand"

// desiredEdges is the mesh size this node aims to keep: enough to
// diffuse gossip quickly without every node dialing every other node.
const desiredEdges = 4

// churnBaseProbability caps the per-tick chance of tearing down a
// healthy edge purely to force diffusion.
const churnBaseProbability = 0.3

// meshTick runs the mesh manager's periodic sweep: expire stale items
// and fetches, maybe churn one edge, and dial towards the target mesh
// size.
func (n *Node) meshTick() {
	nowMs := nowMillis(n.clock)
	periodMs := n.cfg.Period.Milliseconds()

	n.nodes.expire(nowMs)
	n.metrics.MeshNodes.Set(float64(n.nodes.len()))

	for key, set := range n.keys {
		for _, id := range set.expire(nowMs) {
			n.watches.dispatchLoss(key, id)
		}
		n.pruneIfEmpty(key)
	}

	for _, due := range n.fetches.popExpired(nowMs) {
		entry, ok := n.fetches.get(due.key, due.keyID)
		if !ok {
			continue // already resolved by an arriving Data frame
		}

		set, haveSet := n.keys[due.key]
		var item *Item
		if haveSet {
			item, ok = set.get(due.keyID)
		} else {
			ok = false
		}
		if !ok {
			// no longer advertised by anyone: abandon the fetch
			n.fetches.resolve(due.key, due.keyID)
			n.metrics.FetchesOpen.Dec()
			continue
		}

		_ = entry
		n.fetches.reschedule(due.key, due.keyID, item.Addrs, nowMs, periodMs)
		n.attemptFetchSend(due.key, due.keyID, item.Addrs)
	}

	edges := n.conns.initializedFds()
	if len(edges) > 0 && n.shouldChurnEdge(len(edges)) {
		fd := edges[randIntn(len(edges))]
		n.endpoint.Disconnect(fd)
		n.metrics.EdgeChurn.Inc()
	}

	connected := n.conns.connectedNodeIDs()
	connected[n.id] = true
	if candidate := n.nodes.randomNotIn(connected); candidate != nil {
		n.dial(candidate.Addrs)
	}

	n.seedIfEmpty()

	n.metrics.MeshEdges.Set(float64(len(n.conns.initializedFds())))
}

// shouldChurnEdge decides whether to tear down one random edge this
// tick. The chance grows as the live edge count approaches (or exceeds)
// the desired mesh size relative to how many peers are actually known —
// a mesh with few known peers keeps what edges it has, a well-populated
// one tolerates churn to keep diffusing gossip to new neighbors.
func (n *Node) shouldChurnEdge(numEdges int) bool {
	target := desiredEdges
	if known := n.nodes.len() + 1; known < target {
		target = known
	}
	if target <= 0 {
		target = 1
	}
	ratio := float64(numEdges) / float64(target)
	if ratio > 1 {
		ratio = 1
	}
	return rand.Float64() < ratio*churnBaseProbability
}

// idleTick tears down connections whose handshake never completed
// within ConnExpThresh. Runs on a tighter period than meshTick since
// ConnExpThresh is typically much shorter than the mesh maintenance
// period.
func (n *Node) idleTick() {
	nowMs := nowMillis(n.clock)
	for _, fd := range n.conns.expireIdle(nowMs, n.cfg.ConnExpThresh.Milliseconds()) {
		lg.Debugf("handshake timeout on fd %d", fd)
		n.endpoint.Disconnect(fd)
	}
}

// seedIfEmpty dials every configured seed when this node currently has
// no initialized connections at all — both at startup and whenever the
// mesh has gone fully idle.
func (n *Node) seedIfEmpty() {
	if len(n.conns.initializedFds()) > 0 {
		return
	}
	for _, seed := range n.cfg.seedAddrs() {
		n.dial(NodeAddress{seed})
	}
}

// dial opens an outbound connection to addr in the background — never
// on the driver goroutine, since net.Dial can block for up to the
// configured network timeout. addr's entries are tried in order, falling
// back to the next one only once an earlier entry fails to connect. The
// resulting connection's handshake proceeds through the normal onConnect
// path once the endpoint's OnConnect callback fires.
func (n *Node) dial(addr NodeAddress) {
	if addr.empty() {
		return
	}
	if _, ok := n.fdForAddr(addr); ok {
		return
	}
	go dialInOrder(n.endpoint, addr)
}

// dialInOrder tries each HostPort in addr in turn, stopping at the first
// successful connection.
func dialInOrder(endpoint Endpoint, addr NodeAddress) {
	for _, hp := range addr {
		if _, err := endpoint.Connect(hp); err != nil {
			lg.Debugf("dial to %s failed: %v", hp, err)
			continue
		}
		return
	}
}
