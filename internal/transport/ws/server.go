// Package ws serves the /v1/stream event feed over WebSocket.
package ws

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"fleetcommand.gg/internal/dispatcher"
)

var (
	ErrClientSlow   = errors.New("client send buffer full")
	ErrClientClosed = errors.New("client closed")
)

type Options struct {
	// SendBuffer is the per-connection queue depth.
	SendBuffer   int
	WriteTimeout time.Duration
	// PingInterval must be shorter than ReadTimeout.
	PingInterval time.Duration
	ReadTimeout  time.Duration
	Logger       *log.Logger
}

type Server struct {
	hub  *dispatcher.Hub
	log  *log.Logger
	opts Options

	upgrader websocket.Upgrader
}

func NewServer(hub *dispatcher.Hub, opts Options) *Server {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 60 * time.Second
	}
	if opts.PingInterval <= 0 || opts.PingInterval >= opts.ReadTimeout {
		opts.PingInterval = opts.ReadTimeout * 9 / 10
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Server{
		hub:  hub,
		log:  opts.Logger,
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		c := newClient(conn, s.opts)
		if !s.hub.Add(c) {
			s.log.Printf("stream: shutting down, refused remote=%s", r.RemoteAddr)
			return
		}
		s.log.Printf("stream: client connected remote=%s clients=%d", r.RemoteAddr, s.hub.Count())

		go c.writeLoop()
		// Reader loop; clients have nothing to say, it only notices closes.
		conn.SetReadLimit(4 * 1024)
		_ = conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
			_ = conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
		}

		// Cleanup.
		s.hub.Remove(c)
		_ = c.Close()
		s.log.Printf("stream: client gone remote=%s clients=%d", r.RemoteAddr, s.hub.Count())
	}
}

// client adapts a gorilla connection to dispatcher.Conn. Send only queues;
// writeLoop owns all data writes.
type client struct {
	conn *websocket.Conn
	opts Options
	out  chan []byte

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func newClient(conn *websocket.Conn, opts Options) *client {
	ctx, cancel := context.WithCancel(context.Background())
	return &client{conn: conn, opts: opts, out: make(chan []byte, opts.SendBuffer), ctx: ctx, cancel: cancel}
}

func (c *client) Send(data []byte) error {
	select {
	case <-c.ctx.Done():
		return ErrClientClosed
	default:
	}
	select {
	case c.out <- data:
		return nil
	default:
		return ErrClientSlow
	}
}

func (c *client) Close() error {
	var err error
	c.once.Do(func() {
		c.cancel()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}

func (c *client) writeLoop() {
	ping := time.NewTicker(c.opts.PingInterval)
	defer ping.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case b := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				_ = c.Close()
				return
			}
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout)); err != nil {
				_ = c.Close()
				return
			}
		}
	}
}
