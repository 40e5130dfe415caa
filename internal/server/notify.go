package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dantte-lp/gozino/internal/event"
)

// Notify channel errors.
var (
	ErrUnknownNonce = errors.New("could not find your notify socket")
	ErrAlreadyTied  = errors.New("notify socket already tied")
)

// notifyChannel is one client connection on the notify port. It queues
// outbound lines in FIFO order with a bounded backlog; a slow client gets its
// oldest messages scavenged instead of blocking the committer.
type notifyChannel struct {
	nonce string
	conn  net.Conn
	limit int
	drops *atomic.Uint64

	mu      sync.Mutex
	queue   []string
	tied    bool
	closed  bool
	closing bool
	wake    chan struct{}

	// scavenged counts lines dropped since the last flush; the next pop
	// emits one marker line in their place.
	scavenged   int
	scavengedID string
}

// enqueue appends a line, dropping from the front on overflow.
func (c *notifyChannel) enqueue(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || !c.tied {
		return
	}

	if len(c.queue) >= c.limit {
		head := c.queue[0]
		c.queue = c.queue[1:]
		if c.scavenged == 0 {
			c.scavengedID, _, _ = strings.Cut(head, " ")
		}
		c.scavenged++
		c.drops.Add(1)
	}
	c.queue = append(c.queue, line)

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *notifyChannel) pop() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.scavenged > 0 {
		line := fmt.Sprintf("%s scavenged %d", c.scavengedID, c.scavenged)
		c.scavenged = 0
		return line, true
	}
	if len(c.queue) == 0 {
		return "", false
	}
	line := c.queue[0]
	c.queue = c.queue[1:]
	return line, true
}

func (c *notifyChannel) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.conn.Close()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// writeLoop drains the queue to the connection until the channel closes or
// the write fails.
func (c *notifyChannel) writeLoop() {
	for {
		line, ok := c.pop()
		if !ok {
			c.mu.Lock()
			closed, closing := c.closed, c.closing
			c.mu.Unlock()
			if closing {
				c.close()
				return
			}
			if closed {
				return
			}
			<-c.wake
			continue
		}
		if _, err := c.conn.Write([]byte(line + "\r\n")); err != nil {
			c.close()
			return
		}
	}
}

// goodbye queues a farewell line and shuts the channel down once the queue
// has drained. The command session calls it when its client disconnects.
func (c *notifyChannel) goodbye() {
	c.mu.Lock()
	if c.closed || c.closing {
		c.mu.Unlock()
		return
	}
	c.queue = append(c.queue, "Normal quit from client, closing down")
	c.closing = true
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// NotifyServer serves the notify port: it issues a nonce to every new
// connection, and streams event changes to channels a command session has
// tied with NTIE.
type NotifyServer struct {
	addr      string
	queueSize int
	logger    *slog.Logger

	mu       sync.Mutex
	channels map[string]*notifyChannel

	overflowDrops atomic.Uint64

	wg sync.WaitGroup
}

// NewNotifyServer returns a notify server for the given listen address.
func NewNotifyServer(addr string, queueSize int, logger *slog.Logger) *NotifyServer {
	return &NotifyServer{
		addr:      addr,
		queueSize: queueSize,
		logger:    logger,
		channels:  map[string]*notifyChannel{},
	}
}

// Run accepts notify connections until the context is canceled.
func (s *NotifyServer) Run(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("notify listen %s: %w", s.addr, err)
	}
	s.logger.Info("notify server listening", slog.String("addr", s.addr))

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.closeAll()
				s.wg.Wait()
				return ctx.Err()
			}
			s.logger.Warn("notify accept failed", slog.Any("error", err))
			continue
		}
		s.register(conn)
	}
}

func (s *NotifyServer) register(conn net.Conn) {
	ch := &notifyChannel{
		nonce: NewChallenge(),
		conn:  conn,
		limit: s.queueSize,
		drops: &s.overflowDrops,
		wake:  make(chan struct{}, 1),
	}

	s.mu.Lock()
	s.channels[ch.nonce] = ch
	s.mu.Unlock()

	if _, err := conn.Write([]byte(ch.nonce + "\r\n")); err != nil {
		s.drop(ch)
		return
	}
	s.logger.Debug("notify channel opened",
		slog.String("peer", conn.RemoteAddr().String()))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ch.writeLoop()
		s.drop(ch)
	}()

	// Clients never send data; a read returning means the peer went away.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		buf := make([]byte, 1)
		for {
			if _, err := conn.Read(buf); err != nil {
				ch.close()
				s.drop(ch)
				return
			}
		}
	}()
}

func (s *NotifyServer) drop(ch *notifyChannel) {
	ch.close()
	s.mu.Lock()
	delete(s.channels, ch.nonce)
	s.mu.Unlock()
}

func (s *NotifyServer) closeAll() {
	s.mu.Lock()
	channels := make([]*notifyChannel, 0, len(s.channels))
	for _, ch := range s.channels {
		channels = append(channels, ch)
	}
	s.channels = map[string]*notifyChannel{}
	s.mu.Unlock()
	for _, ch := range channels {
		ch.close()
	}
}

// OverflowDrops returns the total number of lines scavenged from slow
// clients across all channels.
func (s *NotifyServer) OverflowDrops() uint64 {
	return s.overflowDrops.Load()
}

// Tie binds the channel identified by nonce to a command session. Each
// channel can be tied once.
func (s *NotifyServer) Tie(nonce string) (*notifyChannel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[nonce]
	if !ok {
		return nil, ErrUnknownNonce
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.tied {
		return nil, ErrAlreadyTied
	}
	ch.tied = true
	return ch, nil
}

// ObserveEvent is the event store observer: one line per change to every
// tied channel. It only enqueues, so committers never block on clients.
func (s *NotifyServer) ObserveEvent(ev *event.Event, changes []event.Change) {
	lines := make([]string, 0, len(changes))
	for _, change := range changes {
		lines = append(lines, fmt.Sprintf("%d %s %s", ev.ID, change.Kind, change.Value))
	}

	s.mu.Lock()
	channels := make([]*notifyChannel, 0, len(s.channels))
	for _, ch := range s.channels {
		channels = append(channels, ch)
	}
	s.mu.Unlock()

	for _, ch := range channels {
		for _, line := range lines {
			ch.enqueue(line)
		}
	}
}
