package disco

import (
	"sort"

	"github.com/google/uuid"
)

// protoVersion is this implementation's Init handshake version. A
// connection is "initialized" once a non-zero version has been received.
const protoVersion uint64 = 1

// fetchDialPending buffers fetch requests for fds whose dial goroutine
// has returned a connection before the driver has processed the
// matching onConnect event (see attemptFetchSend). Keyed by fd.
type fetchDialPending = map[int][]fetchRequest

// onConnect runs on the driver goroutine for every newly opened
// connection, inbound or outbound, and sends Init unconditionally so the
// peer learns who we are before any gossip flows either way.
func (n *Node) onConnect(fd int) {
	nowMs := nowMillis(n.clock)
	cs := n.conns.onConnect(fd, nowMs)

	if pending, ok := n.fetchDialPending[fd]; ok {
		cs.pendingFetches = append(cs.pendingFetches, pending...)
		delete(n.fetchDialPending, fd)
	}

	n.unicast(fd, tagInit, initMsg{
		ProtoVersion: protoVersion,
		NodeID:       n.id,
		Addr:         n.myAddr,
		TTLMs:        n.cfg.TTL.Milliseconds(),
	})
}

// onDisconnect reaps a connection's state. nodes[] is left untouched — a
// dropped connection doesn't mean the peer is gone, so its (UUID, addr)
// item lives on until its TTL expires naturally.
func (n *Node) onDisconnect(fd int) {
	n.conns.remove(fd)
	n.metrics.MeshEdges.Set(float64(len(n.conns.initializedFds())))
}

// onPayload decodes one inbound frame and dispatches it. Any frame
// arriving before Init is a protocol violation and closes the
// connection — the handshake message must always come first.
func (n *Node) onPayload(fd int, data []byte) {
	cs, ok := n.conns.get(fd)
	if !ok {
		return
	}

	t, v, err := decodeFrame(data)
	if err != nil {
		lg.Debugf("bad frame from fd %d: %v", fd, err)
		n.endpoint.Disconnect(fd)
		return
	}
	n.metrics.FramesRecv.WithLabelValues(t.String()).Inc()

	if !cs.initialized() {
		m, ok := v.(initMsg)
		if t != tagInit || !ok {
			lg.Debugf("protocol violation: %s before Init on fd %d", t, fd)
			n.endpoint.Disconnect(fd)
			return
		}
		n.handleInit(fd, cs, m)
		return
	}

	switch t {
	case tagInit:
		lg.Debugf("unexpected Init after handshake on fd %d", fd)
		n.endpoint.Disconnect(fd)
	case tagKeys:
		n.handleKeys(v.(keysMsg))
	case tagQuery:
		n.handleQuery(fd, v.(queryMsg))
	case tagNodes:
		n.handleNodes(v.(nodesMsg))
	case tagFetch:
		n.handleFetch(fd, v.(fetchMsg))
	case tagData:
		n.handleData(v.(dataMsg))
	default:
		lg.Debugf("unknown frame tag %v on fd %d", t, fd)
		n.endpoint.Disconnect(fd)
	}
}

// handleInit completes the handshake: registers the peer's identity, if
// a duplicate connection to the same nodeId already exists the newer one
// (this one) is dropped, and then sends the three post-handshake frames
// (Query, Keys, Nodes).
func (n *Node) handleInit(fd int, cs *ConnState, m initMsg) {
	if m.NodeID == n.id {
		n.endpoint.Disconnect(fd)
		return
	}
	if m.ProtoVersion == 0 {
		lg.Debugf("protocol violation: zero proto version on fd %d", fd)
		n.endpoint.Disconnect(fd)
		return
	}

	if _, duplicate := n.conns.markInitialized(fd, m.NodeID, m.ProtoVersion, m.Addr); duplicate {
		lg.Debugf("duplicate connection to %s, dropping fd %d", m.NodeID, fd)
		n.endpoint.Disconnect(fd)
		return
	}

	nowMs := nowMillis(n.clock)
	n.nodes.merge(m.NodeID, m.Addr, nowMs+m.TTLMs)
	n.metrics.MeshEdges.Set(float64(len(n.conns.initializedFds())))
	n.metrics.MeshNodes.Set(float64(n.nodes.len()))

	if len(cs.pendingFetches) > 0 {
		n.unicast(fd, tagFetch, fetchMsg{Requests: cs.pendingFetches})
		cs.pendingFetches = nil
	}

	if watched := n.watchedKeys(); len(watched) > 0 {
		n.unicast(fd, tagQuery, queryMsg{Keys: watched})
	}
	if entries := n.allKeyEntries(); len(entries) > 0 {
		n.unicast(fd, tagKeys, keysMsg{Entries: entries})
	}
	n.unicast(fd, tagNodes, nodesMsg{Entries: n.allNodeEntries(nowMs)})
}

// handleKeys merges every advertised binding into keys[key], scheduling
// a fetch for any keyId that's new and not locally owned.
func (n *Node) handleKeys(m keysMsg) {
	nowMs := nowMillis(n.clock)
	for _, e := range m.Entries {
		if e.TTLMs <= 0 {
			// Tombstone from a retract: force this keyId toward expiry on
			// our next sweep instead of monotone-max merging it.
			if set, ok := n.keys[e.Key]; ok {
				set.forceExpire(e.KeyID, nowMs)
			}
			continue
		}

		set := n.keySet(e.Key)
		isNew := set.merge(e.KeyID, e.Addrs, nowMs+e.TTLMs)
		if !isNew {
			continue
		}
		if local, owned := n.data[e.Key]; owned && local.keyID == e.KeyID {
			continue
		}
		n.scheduleFetch(e.Key, e.KeyID, e.Addrs, nowMs)
	}
}

// handleQuery replies with every entry in keys[k] for each requested
// key, including locally owned entries.
func (n *Node) handleQuery(fd int, m queryMsg) {
	nowMs := nowMillis(n.clock)
	var entries []keyEntry
	for _, k := range m.Keys {
		set, ok := n.keys[k]
		if !ok {
			continue
		}
		for _, it := range set.list() {
			entries = append(entries, keyEntry{Key: k, KeyID: it.ID, Addrs: it.Addrs, TTLMs: it.Expiration - nowMs})
		}
	}
	if len(entries) > 0 {
		n.unicast(fd, tagKeys, keysMsg{Entries: entries})
	}
}

// handleNodes merges every advertised peer into nodes, skipping myId —
// this node never appears in its own peer store.
func (n *Node) handleNodes(m nodesMsg) {
	nowMs := nowMillis(n.clock)
	for _, e := range m.Entries {
		if e.NodeID == n.id {
			continue
		}
		n.nodes.merge(e.NodeID, e.Addrs, nowMs+e.TTLMs)
	}
	n.metrics.MeshNodes.Set(float64(n.nodes.len()))
}

// handleFetch answers with a Data frame for every requested (key,
// keyId) this node actually owns; unknown entries are silently omitted.
func (n *Node) handleFetch(fd int, m fetchMsg) {
	var entries []dataEntry
	for _, r := range m.Requests {
		local, ok := n.data[r.Key]
		if !ok || local.keyID != r.KeyID {
			continue
		}
		entries = append(entries, dataEntry{Key: r.Key, KeyID: r.KeyID, Payload: local.payload})
	}
	if len(entries) > 0 {
		n.unicast(fd, tagData, dataMsg{Entries: entries})
	}
}

// handleData resolves the matching fetch and dispatches the payload to
// every watch on the key. Entries with no matching outstanding fetch are
// stale or unsolicited and are ignored.
func (n *Node) handleData(m dataMsg) {
	for _, e := range m.Entries {
		if _, ok := n.fetches.get(e.Key, e.KeyID); !ok {
			continue
		}
		n.fetches.resolve(e.Key, e.KeyID)
		n.metrics.FetchesOpen.Dec()
		n.watches.dispatchArrival(e.Key, e.KeyID, e.Payload)
	}
}

// publish is the driver-thread body of the public Publish method.
func (n *Node) publish(key string, payload []byte) {
	keyID := n.idgen.NewID()
	n.data[key] = localEntry{keyID: keyID, payload: payload}

	nowMs := nowMillis(n.clock)
	ttlMs := n.cfg.TTL.Milliseconds()
	n.keySet(key).merge(keyID, n.myAddr, nowMs+ttlMs)

	n.broadcastInitialized(tagKeys, keysMsg{Entries: []keyEntry{
		{Key: key, KeyID: keyID, Addrs: n.myAddr, TTLMs: ttlMs},
	}})
}

// retract is the driver-thread body of the public Retract method.
func (n *Node) retract(key string) {
	local, ok := n.data[key]
	if !ok {
		return
	}
	delete(n.data, key)

	if set, ok := n.keys[key]; ok {
		set.remove(local.keyID)
		n.pruneIfEmpty(key)
	}
	n.watches.dispatchLoss(key, local.keyID)

	n.broadcastInitialized(tagKeys, keysMsg{Entries: []keyEntry{
		{Key: key, KeyID: local.keyID, Addrs: n.myAddr, TTLMs: 0},
	}})
}

// discover is the driver-thread body of the public Discover method.
func (n *Node) discover(key string, handle uint64, onArrive WatchCallback, onLose LossCallback) {
	if !n.watches.add(key, handle, onArrive, onLose) {
		return
	}

	nowMs := nowMillis(n.clock)
	if set, ok := n.keys[key]; ok {
		for _, it := range set.list() {
			if local, owned := n.data[key]; owned && local.keyID == it.ID {
				n.watches.dispatchArrival(key, it.ID, local.payload)
				continue
			}
			n.scheduleFetch(key, it.ID, it.Addrs, nowMs)
		}
	}

	for _, fd := range n.conns.initializedFds() {
		n.unicast(fd, tagQuery, queryMsg{Keys: []string{key}})
	}
}

// forget is the driver-thread body of the public Forget method.
func (n *Node) forget(key string, handle uint64) {
	empty := n.watches.remove(key, handle)
	if !empty {
		return
	}
	if _, owned := n.data[key]; !owned {
		delete(n.keys, key)
	}
}

// scheduleFetch records a new fetch attempt (if one isn't already
// outstanding) and tries to send it immediately.
func (n *Node) scheduleFetch(key string, keyID uuid.UUID, target NodeAddress, nowMs int64) {
	if !n.fetches.schedule(key, keyID, target, nowMs, n.cfg.Period.Milliseconds()) {
		return
	}
	n.metrics.FetchesOpen.Inc()
	n.attemptFetchSend(key, keyID, target)
}

// attemptFetchSend unicasts a Fetch to target if we already have an
// initialized connection to it; otherwise it dials target in the
// background (never blocking the driver goroutine — net.Dial can take
// a while) and buffers the request on the resulting connection's
// pendingFetches, to be flushed once that connection's handshake
// completes.
func (n *Node) attemptFetchSend(key string, keyID uuid.UUID, target NodeAddress) {
	if fd, ok := n.fdForAddr(target); ok {
		n.unicast(fd, tagFetch, fetchMsg{Requests: []fetchRequest{{Key: key, KeyID: keyID}}})
		return
	}
	if target.empty() {
		return
	}

	req := fetchRequest{Key: key, KeyID: keyID}
	go func() {
		fd, ok := dialFirstReachable(n.endpoint, target)
		if !ok {
			return
		}
		n.post(func(nd *Node) {
			if cs, ok := nd.conns.get(fd); ok {
				if cs.initialized() {
					nd.unicast(fd, tagFetch, fetchMsg{Requests: []fetchRequest{req}})
					return
				}
				cs.pendingFetches = append(cs.pendingFetches, req)
				return
			}
			nd.fetchDialPending[fd] = append(nd.fetchDialPending[fd], req)
		})
	}()
}

// dialFirstReachable tries each entry of target in order, falling back to
// the next one only once an earlier entry fails to connect. A node can
// advertise more than one reachable interface; the first is preferred.
func dialFirstReachable(endpoint Endpoint, target NodeAddress) (int, bool) {
	for _, hp := range target {
		fd, err := endpoint.Connect(hp)
		if err != nil {
			lg.Debugf("fetch dial to %s failed: %v", hp, err)
			continue
		}
		return fd, true
	}
	return 0, false
}

// unicast sends one frame to fd.
func (n *Node) unicast(fd int, t tag, msg interface{}) {
	frame, err := encodeFrame(t, msg)
	if err != nil {
		lg.Errorf("encode %s frame: %v", t, err)
		return
	}
	if err := n.endpoint.Send(fd, frame); err != nil {
		lg.Debugf("send %s to fd %d failed: %v", t, fd, err)
		return
	}
	n.metrics.FramesSent.WithLabelValues(t.String()).Inc()
}

// broadcastInitialized sends one frame to every handshaken connection.
func (n *Node) broadcastInitialized(t tag, msg interface{}) {
	frame, err := encodeFrame(t, msg)
	if err != nil {
		lg.Errorf("encode %s frame: %v", t, err)
		return
	}
	for _, fd := range n.conns.initializedFds() {
		if err := n.endpoint.Send(fd, frame); err != nil {
			lg.Debugf("broadcast %s to fd %d failed: %v", t, fd, err)
			continue
		}
		n.metrics.FramesSent.WithLabelValues(t.String()).Inc()
	}
}

// fdForAddr returns the fd of an initialized connection whose peer
// advertised addr, if one exists.
func (n *Node) fdForAddr(addr NodeAddress) (int, bool) {
	for fd, cs := range n.conns.byFd {
		if cs.initialized() && cs.addr.equal(addr) {
			return fd, true
		}
	}
	return 0, false
}

func (n *Node) keySet(key string) *itemSet {
	set, ok := n.keys[key]
	if !ok {
		set = newItemSet()
		n.keys[key] = set
	}
	return set
}

func (n *Node) pruneIfEmpty(key string) {
	if set, ok := n.keys[key]; ok && set.len() == 0 {
		delete(n.keys, key)
	}
}

func (n *Node) watchedKeys() []string {
	var keys []string
	for k := range n.watches.byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// allKeyEntries lists every locally published key plus every entry of
// every keys[k] — own advertisements and learned ones — so a freshly
// handshaken peer gets everything we know in one shot.
func (n *Node) allKeyEntries() []keyEntry {
	nowMs := nowMillis(n.clock)
	keys := make([]string, 0, len(n.keys))
	for k := range n.keys {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var entries []keyEntry
	for _, k := range keys {
		for _, it := range n.keys[k].list() {
			entries = append(entries, keyEntry{Key: k, KeyID: it.ID, Addrs: it.Addrs, TTLMs: it.Expiration - nowMs})
		}
	}
	return entries
}

// allNodeEntries lists this node first, then every known peer.
func (n *Node) allNodeEntries(nowMs int64) []nodeEntry {
	entries := []nodeEntry{{NodeID: n.id, Addrs: n.myAddr, TTLMs: n.cfg.TTL.Milliseconds()}}
	for _, it := range n.nodes.list() {
		entries = append(entries, nodeEntry{NodeID: it.ID, Addrs: it.Addrs, TTLMs: it.Expiration - nowMs})
	}
	return entries
}
