package disco

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Endpoint is the transport collaborator the gossip core consumes. It
// owns framed message send/recv and connection lifecycle; the core
// never touches a net.Conn directly, so it can be driven by a fake
// transport in tests.
type Endpoint interface {
	// Listen starts accepting inbound connections on addr.
	Listen(addr HostPort) error
	// Connect dials addr and returns the fd assigned to the new
	// connection. onConnect fires once the connection is registered.
	Connect(addr HostPort) (int, error)
	// Send writes one framed message to fd.
	Send(fd int, data []byte) error
	// Broadcast writes one framed message to every live connection.
	Broadcast(data []byte)
	// Disconnect closes fd and reaps its state.
	Disconnect(fd int)
	// LocalAddr is the address this endpoint is listening on.
	LocalAddr() HostPort
	// Close shuts the listener and every live connection down.
	Close() error

	// OnConnect/OnDisconnect/OnPayload register the callbacks the core
	// uses to react to transport events. Must be called before Listen.
	OnConnect(func(fd int))
	OnDisconnect(func(fd int))
	OnPayload(func(fd int, data []byte))
}

// tcpEndpoint is the default Endpoint: a persistent, length-prefixed
// framed stream over plain net.TCPConn.
type tcpEndpoint struct {
	listener *net.TCPListener
	nextFd   int64

	mu    sync.Mutex
	conns map[int]net.Conn

	onConnect    func(fd int)
	onDisconnect func(fd int)
	onPayload    func(fd int, data []byte)

	networkTimeout time.Duration
}

// NewTCPEndpoint constructs a TCP-backed Endpoint. timeout bounds both
// connect and per-frame write deadlines; reads carry no deadline.
func NewTCPEndpoint(timeout time.Duration) Endpoint {
	return &tcpEndpoint{
		conns:          make(map[int]net.Conn),
		networkTimeout: timeout,
	}
}

func (e *tcpEndpoint) OnConnect(f func(fd int))            { e.onConnect = f }
func (e *tcpEndpoint) OnDisconnect(f func(fd int))         { e.onDisconnect = f }
func (e *tcpEndpoint) OnPayload(f func(fd int, data []byte)) { e.onPayload = f }

func (e *tcpEndpoint) Listen(addr HostPort) error {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr.String())
	if err != nil {
		return fmt.Errorf("resolve listen address: %w", err)
	}
	ln, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	e.listener = ln

	go func() {
		for {
			conn, err := ln.AcceptTCP()
			if err != nil {
				return
			}
			e.register(conn)
		}
	}()
	return nil
}

func (e *tcpEndpoint) Connect(addr HostPort) (int, error) {
	conn, err := net.DialTimeout("tcp", addr.String(), e.networkTimeout)
	if err != nil {
		return 0, err
	}
	return e.register(conn), nil
}

func (e *tcpEndpoint) register(conn net.Conn) int {
	fd := int(atomic.AddInt64(&e.nextFd, 1))

	e.mu.Lock()
	e.conns[fd] = conn
	e.mu.Unlock()

	if e.onConnect != nil {
		e.onConnect(fd)
	}
	go e.readLoop(fd, conn)
	return fd
}

func (e *tcpEndpoint) readLoop(fd int, conn net.Conn) {
	for {
		data, err := readFrame(conn)
		if err != nil {
			e.Disconnect(fd)
			return
		}
		if e.onPayload != nil {
			e.onPayload(fd, data)
		}
	}
}

func (e *tcpEndpoint) Send(fd int, data []byte) error {
	e.mu.Lock()
	conn, ok := e.conns[fd]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("no connection for fd %d", fd)
	}
	return writeFrame(conn, data, e.networkTimeout)
}

func (e *tcpEndpoint) Broadcast(data []byte) {
	e.mu.Lock()
	fds := make([]int, 0, len(e.conns))
	for fd := range e.conns {
		fds = append(fds, fd)
	}
	e.mu.Unlock()

	for _, fd := range fds {
		if err := e.Send(fd, data); err != nil {
			lg.Debugf("broadcast to fd %d failed: %v", fd, err)
		}
	}
}

func (e *tcpEndpoint) Disconnect(fd int) {
	e.mu.Lock()
	conn, ok := e.conns[fd]
	if ok {
		delete(e.conns, fd)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	conn.Close()
	if e.onDisconnect != nil {
		e.onDisconnect(fd)
	}
}

func (e *tcpEndpoint) LocalAddr() HostPort {
	if e.listener == nil {
		return HostPort{}
	}
	tcpAddr := e.listener.Addr().(*net.TCPAddr)
	return HostPort{Host: tcpAddr.IP.String(), Port: tcpAddr.Port}
}

func (e *tcpEndpoint) Close() error {
	e.mu.Lock()
	conns := make([]net.Conn, 0, len(e.conns))
	for _, conn := range e.conns {
		conns = append(conns, conn)
	}
	e.conns = make(map[int]net.Conn)
	e.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
	if e.listener != nil {
		return e.listener.Close()
	}
	return nil
}

// readFrame reads one length-prefixed frame: a 4-byte big-endian length
// followed by that many bytes of payload.
func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

// writeFrame writes one length-prefixed frame, bounded by deadline.
func writeFrame(conn net.Conn, data []byte, timeout time.Duration) error {
	if timeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := conn.Write(data)
	return err
}
