// Package server implements the JIM dispatch core: connection accept and
// routing, the session registry, and the pending-message queue.
package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"jim/protocol"

	"github.com/rs/zerolog"
)

// Directory is the external user/contact collaborator. The core only ever
// calls lookups and upserts; full CRUD lives with the implementation.
type Directory interface {
	RegisterUser(username, password, status, sourceIP string) error
	IsRegistered(username string) (bool, error)
	Authenticate(username, password string) (bool, error)
	SetActive(username string, active bool) error
	Contacts(username string) ([]string, error)
	AddContact(owner, contact string) error
	RemoveContact(owner, contact string) error
}

type Config struct {
	Addr          string
	Port          int
	QueuePath     string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	FlushInterval time.Duration
}

type Server struct {
	cfg      *Config
	dir      Directory
	log      zerolog.Logger
	registry *Registry
	pending  *PendingStore

	listener net.Listener
	done     chan struct{}
	stopOnce sync.Once
}

// client is the per-connection state. The username is set only after a
// successful presence/authenticate bind. The mutex serializes frame writes
// to this connection only: a handler response and a queue flush may target
// the same connection from different goroutines, but a stalled peer must
// never block writes to other peers.
type client struct {
	conn     net.Conn
	username string

	mu sync.Mutex
}

func New(dir Directory, cfg *Config, log zerolog.Logger) *Server {
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 120 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 200 * time.Millisecond
	}

	return &Server{
		cfg:      cfg,
		dir:      dir,
		log:      log,
		registry: NewRegistry(),
		pending:  NewPendingStore(),
		done:     make(chan struct{}),
	}
}

// Start restores the pending queue, binds the listening socket (retrying
// while the address is still held by a previous instance) and serves until
// Shutdown.
func (s *Server) Start() error {
	if s.cfg.QueuePath != "" {
		if err := s.pending.Load(s.cfg.QueuePath); err != nil {
			s.log.Warn().Err(err).Str("path", s.cfg.QueuePath).Msg("could not restore pending queue")
		} else if depth := s.pending.Depth(); depth > 0 {
			s.log.Info().Int("queued", depth).Msg("restored pending queue")
		}
	}

	addr := net.JoinHostPort(s.cfg.Addr, strconv.Itoa(s.cfg.Port))
	for {
		listener, err := net.Listen("tcp", addr)
		if err == nil {
			s.listener = listener
			break
		}
		if !errors.Is(err, syscall.EADDRINUSE) {
			return err
		}
		s.log.Info().Str("addr", addr).Msg("waiting for listen address to be released")
		time.Sleep(time.Second)
	}
	defer s.listener.Close()

	s.log.Info().Str("addr", addr).Msg("JIM server started")

	go s.flushLoop()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
			}
			s.log.Error().Err(err).Msg("accept failed")
			continue
		}

		go s.handleConnection(conn)
	}
}

// handleConnection runs the route cycle for one connection until the peer
// quits, violates policy, or the transport fails.
func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	s.log.Info().Str("remote", remote).Msg("client connected")

	c := &client{conn: conn}
	buf := make([]byte, protocol.MaxPacketSize)

	for {
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		n, err := conn.Read(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				select {
				case <-s.done:
				default:
					continue
				}
				break
			}
			if err == io.EOF {
				err = protocol.ErrPeerClosed
			}
			if !errors.Is(err, net.ErrClosed) && !errors.Is(err, protocol.ErrPeerClosed) {
				s.log.Warn().Err(err).Str("remote", remote).Msg("read failed")
			}
			break
		}
		if n == 0 {
			break
		}

		if !s.routeMessage(c, buf[:n]) {
			break
		}
	}

	if c.username != "" {
		if bound, ok := s.registry.Find(c.username); ok && bound == c {
			s.registry.Unbind(c.username)
			if err := s.dir.SetActive(c.username, false); err != nil {
				s.log.Warn().Err(err).Str("user", c.username).Msg("could not mark user inactive")
			}
		}
		s.log.Info().Str("user", c.username).Str("remote", remote).Msg("client disconnected")
	} else {
		s.log.Info().Str("remote", remote).Msg("client disconnected")
	}
}

// routeMessage performs one receive → validate → handle → respond cycle.
// The return value reports whether the connection should stay open. A panic
// in a handler is answered with a 500 and never takes the dispatcher down.
func (s *Server) routeMessage(c *client, data []byte) (keepOpen bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msg("handler panicked")
			s.respond(c, protocol.StatusInternalServerError, fmt.Sprintf("internal error: %v", r))
			keepOpen = true
		}
	}()

	msg, err := protocol.Decode(data)
	if err != nil {
		s.log.Warn().Err(err).Msg("undecodable frame")
		return s.respond(c, protocol.StatusInternalServerError, err.Error())
	}

	if err := protocol.Validate(msg); err != nil {
		s.log.Warn().Err(err).Msg("message failed validation")
		return s.respond(c, protocol.StatusInternalServerError, err.Error())
	}

	return s.handleAction(c, msg)
}

// respond sends a status reply to the peer. Every request gets either this
// or a handler-specific reply; peers never go unanswered.
func (s *Server) respond(c *client, code int, description string) bool {
	if err := s.write(c, protocol.NewResponse(code, description)); err != nil {
		s.log.Warn().Err(err).Msg("could not write response")
		return false
	}
	return true
}

func (s *Server) write(c *client, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	_, err = c.conn.Write(data)
	return err
}

// flushLoop periodically drives delivery of queued messages so that drains
// happen even when no new traffic arrives.
func (s *Server) flushLoop() {
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.flushPending()
		}
	}
}

// flushPending drains the queue for every reachable recipient. A write
// failure requeues the rest of that recipient's batch at the front and reaps
// the dead connection; other recipients in the same pass are still served.
func (s *Server) flushPending() {
	batches := s.pending.DrainDeliverable(func(username string) bool {
		_, ok := s.registry.Find(username)
		return ok
	})

	for _, batch := range batches {
		recipient, ok := s.registry.Find(batch.Recipient)
		if !ok {
			s.pending.Requeue(batch.Recipient, batch.Entries)
			continue
		}

		for i, entry := range batch.Entries {
			if err := s.write(recipient, entry.Msg); err != nil {
				s.log.Warn().Err(err).Str("user", batch.Recipient).Msg("delivery failed, requeueing")
				s.pending.Requeue(batch.Recipient, batch.Entries[i:])
				s.reap(batch.Recipient, recipient)
				break
			}
		}
	}
}

// reap drops a connection whose peer has vanished.
func (s *Server) reap(username string, c *client) {
	s.registry.Unbind(username)
	if err := s.dir.SetActive(username, false); err != nil {
		s.log.Warn().Err(err).Str("user", username).Msg("could not mark user inactive")
	}
	c.conn.Close()
	s.log.Info().Str("user", username).Msg("reaped dead connection")
}

// Shutdown persists the pending queue and closes the listener and all live
// connections. Safe to call more than once.
func (s *Server) Shutdown() {
	s.stopOnce.Do(func() {
		close(s.done)

		if s.cfg.QueuePath != "" {
			if err := s.pending.Save(s.cfg.QueuePath); err != nil {
				s.log.Error().Err(err).Str("path", s.cfg.QueuePath).Msg("could not persist pending queue")
			} else {
				s.log.Info().Int("queued", s.pending.Depth()).Str("path", s.cfg.QueuePath).Msg("persisted pending queue")
			}
		}

		if s.listener != nil {
			s.listener.Close()
		}

		for _, username := range s.registry.Active() {
			if bound, ok := s.registry.Find(username); ok {
				bound.conn.Close()
				s.registry.Unbind(username)
				if err := s.dir.SetActive(username, false); err != nil {
					s.log.Warn().Err(err).Str("user", username).Msg("could not mark user inactive")
				}
			}
		}

		s.log.Info().Msg("server stopped")
	})
}

// Stats returns a one-line summary for the admin control socket.
func (s *Server) Stats() string {
	users := s.registry.Active()
	sort.Strings(users)
	return fmt.Sprintf("sessions=%d,queued=%d,users=%s",
		len(users), s.pending.Depth(), strings.Join(users, ";"))
}
