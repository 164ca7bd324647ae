package coord

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Wire format, all big-endian.
//
// On connect every non-root process sends a hello frame:
//
//	magic   uint32  "GMGC"
//	version uint8
//	rank    uint32
//
// Every broadcast is one frame from the root to each peer:
//
//	kind    uint8
//	length  uint32
//	payload length bytes
const (
	helloMagic   uint32 = 0x474D4743
	helloVersion uint8  = 1
	helloSize           = 4 + 1 + 4

	kindBroadcast uint8 = 1
	frameHeadSize       = 1 + 4
)

const (
	// DefaultDialTimeout bounds how long a non-root process keeps retrying to
	// reach the root before giving up.
	DefaultDialTimeout = 30 * time.Second

	dialRetryInterval = 100 * time.Millisecond
	helloTimeout      = 10 * time.Second
)

// TCPConfig configures NewTCP.
type TCPConfig struct {
	// Rank of the calling process and total process count. Required.
	Rank, WorldSize int

	// RootAddr is the "host:port" rank 0 listens on and everyone else dials.
	RootAddr string

	// Listener, when set on rank 0, is used instead of listening on RootAddr.
	// Useful when the caller already bound the port (e.g. to a system-picked one).
	Listener net.Listener

	// DialTimeout bounds the connect phase on non-root ranks; it defaults to
	// DefaultDialTimeout. The root waits for all peers without a bound.
	DialTimeout time.Duration
}

// TCP is a Coordinator over a star of TCP connections rooted at rank 0. Rank 0
// accepts one connection per peer during NewTCP; Broadcast then pushes one frame
// per peer through the star.
//
// Only broadcasts rooted at rank 0 are supported, which is all bootstrap needs.
type TCP struct {
	rank, world int

	mu     sync.Mutex
	closed bool
	peers  []net.Conn // on rank 0: index p-1 is the connection to rank p
	root   net.Conn   // on other ranks: the connection to rank 0
}

// NewTCP connects the process coordination star and blocks until the calling
// process is wired in: rank 0 waits for all world-1 peers to connect and identify
// themselves, every other rank dials rank 0 (retrying until DialTimeout).
func NewTCP(cfg TCPConfig) (*TCP, error) {
	if cfg.WorldSize < 2 {
		return nil, errors.Errorf("TCP coordination needs at least 2 processes, got %d (use Single instead)", cfg.WorldSize)
	}
	if cfg.Rank < 0 || cfg.Rank >= cfg.WorldSize {
		return nil, errors.Errorf("rank %d out of range for a world of %d", cfg.Rank, cfg.WorldSize)
	}
	c := &TCP{rank: cfg.Rank, world: cfg.WorldSize}
	if cfg.Rank == 0 {
		if err := c.acceptPeers(cfg); err != nil {
			_ = c.Close()
			return nil, err
		}
	} else {
		if err := c.dialRoot(cfg); err != nil {
			return nil, err
		}
	}
	klog.V(1).Infof("coordination ready: rank %d of %d", c.rank, c.world)
	return c, nil
}

func (c *TCP) acceptPeers(cfg TCPConfig) error {
	ln := cfg.Listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", cfg.RootAddr)
		if err != nil {
			return errors.Wrapf(err, "listening on %q", cfg.RootAddr)
		}
	}
	// The star is fully connected after this, nobody else will dial in.
	defer func() { _ = ln.Close() }()

	c.peers = make([]net.Conn, cfg.WorldSize-1)
	for connected := 0; connected < cfg.WorldSize-1; {
		conn, err := ln.Accept()
		if err != nil {
			return errors.Wrapf(err, "accepting peer %d of %d", connected+1, cfg.WorldSize-1)
		}
		rank, err := readHello(conn)
		if err != nil {
			_ = conn.Close()
			return err
		}
		if rank < 1 || rank >= cfg.WorldSize {
			_ = conn.Close()
			return errors.Errorf("peer announced rank %d, valid peers are 1..%d", rank, cfg.WorldSize-1)
		}
		if c.peers[rank-1] != nil {
			_ = conn.Close()
			return errors.Errorf("two peers announced rank %d", rank)
		}
		c.peers[rank-1] = conn
		connected++
		klog.V(2).Infof("rank %d connected (%d of %d peers)", rank, connected, cfg.WorldSize-1)
	}
	return nil
}

func (c *TCP) dialRoot(cfg TCPConfig) error {
	if cfg.RootAddr == "" {
		return errors.New("RootAddr is required on non-root ranks")
	}
	budget := cfg.DialTimeout
	if budget <= 0 {
		budget = DefaultDialTimeout
	}
	deadline := time.Now().Add(budget)
	var conn net.Conn
	var err error
	for {
		conn, err = net.DialTimeout("tcp", cfg.RootAddr, dialRetryInterval)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			return errors.Wrapf(err, "rank %d could not reach the root at %q within %s", cfg.Rank, cfg.RootAddr, budget)
		}
		time.Sleep(dialRetryInterval)
	}
	if err := writeHello(conn, cfg.Rank); err != nil {
		_ = conn.Close()
		return err
	}
	c.root = conn
	return nil
}

func writeHello(conn net.Conn, rank int) error {
	var frame [helloSize]byte
	binary.BigEndian.PutUint32(frame[0:4], helloMagic)
	frame[4] = helloVersion
	binary.BigEndian.PutUint32(frame[5:9], uint32(rank))
	if _, err := conn.Write(frame[:]); err != nil {
		return errors.Wrapf(err, "sending hello as rank %d", rank)
	}
	return nil
}

func readHello(conn net.Conn) (int, error) {
	_ = conn.SetReadDeadline(time.Now().Add(helloTimeout))
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()
	var frame [helloSize]byte
	if _, err := io.ReadFull(conn, frame[:]); err != nil {
		return -1, errors.Wrapf(err, "reading peer hello")
	}
	if magic := binary.BigEndian.Uint32(frame[0:4]); magic != helloMagic {
		return -1, errors.Errorf("peer hello has magic %#x, want %#x", magic, helloMagic)
	}
	if frame[4] != helloVersion {
		return -1, errors.Errorf("peer speaks protocol version %d, want %d", frame[4], helloVersion)
	}
	return int(binary.BigEndian.Uint32(frame[5:9])), nil
}

// Rank implements Coordinator.
func (c *TCP) Rank() int { return c.rank }

// WorldSize implements Coordinator.
func (c *TCP) WorldSize() int { return c.world }

// Broadcast implements Coordinator. The star is rooted at rank 0, so only root 0 is
// supported.
func (c *TCP) Broadcast(root int, buf []byte) error {
	if root != 0 {
		return errors.Errorf("the TCP coordinator only supports broadcasts rooted at rank 0, got root %d", root)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("coordinator already closed")
	}
	if c.rank == 0 {
		return c.sendToPeers(buf)
	}
	return c.receiveFromRoot(buf)
}

func (c *TCP) sendToPeers(buf []byte) error {
	head := make([]byte, frameHeadSize)
	head[0] = kindBroadcast
	binary.BigEndian.PutUint32(head[1:5], uint32(len(buf)))
	var g errgroup.Group
	for p, conn := range c.peers {
		g.Go(func() error {
			if _, err := conn.Write(head); err != nil {
				return errors.Wrapf(err, "broadcasting to rank %d", p+1)
			}
			if _, err := conn.Write(buf); err != nil {
				return errors.Wrapf(err, "broadcasting to rank %d", p+1)
			}
			return nil
		})
	}
	return g.Wait()
}

func (c *TCP) receiveFromRoot(buf []byte) error {
	head := make([]byte, frameHeadSize)
	if _, err := io.ReadFull(c.root, head); err != nil {
		return errors.Wrapf(err, "rank %d receiving broadcast", c.rank)
	}
	if head[0] != kindBroadcast {
		return errors.Errorf("unexpected frame kind %d", head[0])
	}
	if length := int(binary.BigEndian.Uint32(head[1:5])); length != len(buf) {
		return errors.Errorf("broadcast payload is %d bytes at the root but %d bytes here", length, len(buf))
	}
	if _, err := io.ReadFull(c.root, buf); err != nil {
		return errors.Wrapf(err, "rank %d receiving broadcast payload", c.rank)
	}
	return nil
}

// Close implements Coordinator: it drops all connections. It is idempotent.
func (c *TCP) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	var firstErr error
	for _, conn := range c.peers {
		if conn == nil {
			continue
		}
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.root != nil {
		if err := c.root.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return errors.Wrapf(firstErr, "closing coordinator")
}
