package dist

import (
	"encoding/gob"
	"fmt"
	"net"
	"sync"
)

// Fabric is the message-passing layer between the master and workers.
// Rank 0 is the master; a fabric endpoint belongs to exactly one rank.
type Fabric interface {
	// Rank returns this endpoint's rank.
	Rank() int

	// Size returns the total number of ranks.
	Size() int

	// Send delivers a tagged message to another rank.
	Send(to int, tag Tag, payload string) error

	// Recv blocks until a message arrives. Returns false once the fabric
	// is closed and drained.
	Recv() (Message, bool)

	// Probe returns a pending message without blocking.
	Probe() (Message, bool)

	// Close tears the endpoint down.
	Close() error
}

// ChanFabric is an in-process fabric over channels, one endpoint per
// rank. Used by tests and single-process multi-worker runs.
type ChanFabric struct {
	rank   int
	size   int
	inbox  chan Message
	peers  []*ChanFabric
	closed chan struct{}
	once   sync.Once
}

// NewChanFabric returns connected endpoints for n ranks.
func NewChanFabric(n int) []*ChanFabric {
	endpoints := make([]*ChanFabric, n)
	for i := range endpoints {
		endpoints[i] = &ChanFabric{
			rank:   i,
			size:   n,
			inbox:  make(chan Message, 1024),
			closed: make(chan struct{}),
		}
	}
	for _, ep := range endpoints {
		ep.peers = endpoints
	}
	return endpoints
}

func (f *ChanFabric) Rank() int { return f.rank }
func (f *ChanFabric) Size() int { return f.size }

func (f *ChanFabric) Send(to int, tag Tag, payload string) error {
	if to < 0 || to >= f.size {
		return fmt.Errorf("dist: invalid rank %d", to)
	}
	peer := f.peers[to]
	select {
	case peer.inbox <- Message{From: f.rank, Tag: tag, Payload: payload}:
		return nil
	case <-peer.closed:
		return fmt.Errorf("dist: rank %d is closed", to)
	}
}

func (f *ChanFabric) Recv() (Message, bool) {
	select {
	case msg := <-f.inbox:
		return msg, true
	case <-f.closed:
		// Drain remaining messages before reporting closure.
		select {
		case msg := <-f.inbox:
			return msg, true
		default:
			return Message{}, false
		}
	}
}

func (f *ChanFabric) Probe() (Message, bool) {
	select {
	case msg := <-f.inbox:
		return msg, true
	default:
		return Message{}, false
	}
}

func (f *ChanFabric) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

// TCPFabric connects workers to the master over TCP with gob-encoded
// messages. The master listens and accepts size-1 workers; each worker
// dials in and identifies itself with a hello message.
type TCPFabric struct {
	rank int
	size int

	inbox chan Message

	mu    sync.Mutex
	conns map[int]*tcpConn

	listener net.Listener
	closed   chan struct{}
	once     sync.Once
}

type tcpConn struct {
	conn net.Conn
	enc  *gob.Encoder
	mu   sync.Mutex
}

type wireMessage struct {
	From    int
	Tag     Tag
	Payload string
}

// ListenTCP starts the master endpoint and waits for size-1 workers.
func ListenTCP(addr string, size int) (*TCPFabric, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	f := &TCPFabric{
		rank:     0,
		size:     size,
		inbox:    make(chan Message, 1024),
		conns:    make(map[int]*tcpConn),
		listener: ln,
		closed:   make(chan struct{}),
	}

	for i := 1; i < size; i++ {
		conn, err := ln.Accept()
		if err != nil {
			ln.Close()
			return nil, err
		}
		dec := gob.NewDecoder(conn)
		var hello wireMessage
		if err := dec.Decode(&hello); err != nil {
			ln.Close()
			return nil, fmt.Errorf("dist: worker hello: %w", err)
		}
		tc := &tcpConn{conn: conn, enc: gob.NewEncoder(conn)}
		f.mu.Lock()
		f.conns[hello.From] = tc
		f.mu.Unlock()
		go f.reader(dec)
	}
	return f, nil
}

// DialTCP connects a worker endpoint to the master.
func DialTCP(addr string, rank, size int) (*TCPFabric, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}

	f := &TCPFabric{
		rank:   rank,
		size:   size,
		inbox:  make(chan Message, 1024),
		conns:  make(map[int]*tcpConn),
		closed: make(chan struct{}),
	}
	tc := &tcpConn{conn: conn, enc: gob.NewEncoder(conn)}
	f.conns[0] = tc

	if err := tc.send(wireMessage{From: rank}); err != nil {
		conn.Close()
		return nil, err
	}
	go f.reader(gob.NewDecoder(conn))
	return f, nil
}

func (c *tcpConn) send(msg wireMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enc.Encode(msg)
}

func (f *TCPFabric) reader(dec *gob.Decoder) {
	for {
		var msg wireMessage
		if err := dec.Decode(&msg); err != nil {
			return
		}
		select {
		case f.inbox <- Message(msg):
		case <-f.closed:
			return
		}
	}
}

func (f *TCPFabric) Rank() int { return f.rank }
func (f *TCPFabric) Size() int { return f.size }

func (f *TCPFabric) Send(to int, tag Tag, payload string) error {
	f.mu.Lock()
	tc := f.conns[to]
	f.mu.Unlock()
	if tc == nil {
		return fmt.Errorf("dist: no connection to rank %d", to)
	}
	return tc.send(wireMessage{From: f.rank, Tag: tag, Payload: payload})
}

func (f *TCPFabric) Recv() (Message, bool) {
	select {
	case msg := <-f.inbox:
		return msg, true
	case <-f.closed:
		select {
		case msg := <-f.inbox:
			return msg, true
		default:
			return Message{}, false
		}
	}
}

func (f *TCPFabric) Probe() (Message, bool) {
	select {
	case msg := <-f.inbox:
		return msg, true
	default:
		return Message{}, false
	}
}

func (f *TCPFabric) Close() error {
	f.once.Do(func() {
		close(f.closed)
		if f.listener != nil {
			f.listener.Close()
		}
		f.mu.Lock()
		for _, tc := range f.conns {
			tc.conn.Close()
		}
		f.mu.Unlock()
	})
	return nil
}
