package server

import (
	"errors"
	"net"
	"strings"

	"jim/db"
	"jim/protocol"
)

// handleAction routes a validated message. The return value reports whether
// the connection should stay open.
func (s *Server) handleAction(c *client, msg protocol.Message) bool {
	switch msg.Action() {
	case protocol.ActionPresence, protocol.ActionAuth:
		return s.handleIdentify(c, msg)
	case protocol.ActionMsg:
		return s.handleChat(c, msg)
	case protocol.ActionProbe:
		return s.respond(c, protocol.StatusOK, "")
	case protocol.ActionQuit:
		s.respond(c, protocol.StatusOK, "")
		return false
	case protocol.ActionJoin, protocol.ActionLeave:
		// Rooms are accepted by the schema but deliberately not serviced.
		return s.respond(c, protocol.StatusBadRequest, "room actions are not supported")
	case protocol.ActionContacts:
		return s.handleContacts(c, msg)
	case protocol.ActionAddContact:
		return s.handleAddContact(c, msg)
	case protocol.ActionDelContact:
		return s.handleDelContact(c, msg)
	default:
		return s.respond(c, protocol.StatusBadRequest, "unknown action")
	}
}

// handleIdentify services presence and authenticate: it claims the username
// for this connection and records the login with the directory. A duplicate
// claim is answered 403 and the new connection is dropped; the established
// session is untouched.
func (s *Server) handleIdentify(c *client, msg protocol.Message) bool {
	user := msg.User()
	username := user.Str(protocol.KeyAccountName)
	password := user.Str(protocol.KeyPassword)
	status := user.Str(protocol.KeyStatus)

	if msg.Action() == protocol.ActionAuth {
		registered, err := s.dir.IsRegistered(username)
		if err != nil {
			s.log.Error().Err(err).Msg("directory lookup failed")
			return s.respond(c, protocol.StatusInternalServerError, "directory error")
		}
		if registered {
			ok, err := s.dir.Authenticate(username, password)
			if err != nil {
				s.log.Error().Err(err).Msg("directory lookup failed")
				return s.respond(c, protocol.StatusInternalServerError, "directory error")
			}
			if !ok {
				s.respond(c, protocol.StatusForbidden, "invalid credentials")
				return false
			}
		}
	}

	// a connection that re-identifies under a new name releases the old one,
	// otherwise the stale binding would outlive the session
	if c.username != "" && c.username != username {
		s.registry.Unbind(c.username)
		if err := s.dir.SetActive(c.username, false); err != nil {
			s.log.Warn().Err(err).Str("user", c.username).Msg("could not mark user inactive")
		}
		s.log.Info().Str("old", c.username).Str("new", username).Msg("connection re-identified")
		c.username = ""
	}

	if !s.registry.Bind(username, c) {
		s.log.Info().Str("user", username).Msg("duplicate login rejected")
		s.respond(c, protocol.StatusForbidden, "")
		return false
	}
	c.username = username

	if err := s.dir.RegisterUser(username, password, status, peerIP(c.conn)); err != nil {
		s.log.Error().Err(err).Str("user", username).Msg("could not register user")
		// the login was never recorded, so the claim must not stand either
		s.registry.Unbind(username)
		c.username = ""
		return s.respond(c, protocol.StatusInternalServerError, "directory error")
	}
	if err := s.dir.SetActive(username, true); err != nil {
		s.log.Warn().Err(err).Str("user", username).Msg("could not mark user active")
	}

	s.log.Info().Str("user", username).Str("action", msg.Action()).Msg("session established")
	return s.respond(c, protocol.StatusOK, "")
}

// handleChat enqueues the message for its recipient and acknowledges the
// sender. Delivery is best-effort and asynchronous: the flusher hands the
// message over once the recipient is reachable.
func (s *Server) handleChat(c *client, msg protocol.Message) bool {
	if c.username == "" {
		return s.respond(c, protocol.StatusForbidden, "not authenticated")
	}

	s.pending.Enqueue(msg.Str(protocol.KeyTo), msg)
	return s.respond(c, protocol.StatusOK, "")
}

func (s *Server) handleContacts(c *client, msg protocol.Message) bool {
	if c.username == "" {
		return s.respond(c, protocol.StatusForbidden, "not authenticated")
	}

	contacts, err := s.dir.Contacts(msg.Str(protocol.KeyAccountName))
	if err != nil {
		s.log.Error().Err(err).Msg("contact list failed")
		return s.respond(c, protocol.StatusInternalServerError, "directory error")
	}

	return s.respond(c, protocol.StatusOK, strings.Join(contacts, ","))
}

func (s *Server) handleAddContact(c *client, msg protocol.Message) bool {
	if c.username == "" {
		return s.respond(c, protocol.StatusForbidden, "not authenticated")
	}

	contact := msg.Str(protocol.KeyContact)
	exists, err := s.dir.IsRegistered(contact)
	if err != nil {
		s.log.Error().Err(err).Msg("directory lookup failed")
		return s.respond(c, protocol.StatusInternalServerError, "directory error")
	}
	if !exists {
		return s.respond(c, protocol.StatusBadRequest, "user not found")
	}

	if err := s.dir.AddContact(msg.Str(protocol.KeyAccountName), contact); err != nil {
		s.log.Error().Err(err).Msg("add contact failed")
		return s.respond(c, protocol.StatusInternalServerError, "directory error")
	}

	return s.respond(c, protocol.StatusOK, "")
}

func (s *Server) handleDelContact(c *client, msg protocol.Message) bool {
	if c.username == "" {
		return s.respond(c, protocol.StatusForbidden, "not authenticated")
	}

	err := s.dir.RemoveContact(msg.Str(protocol.KeyAccountName), msg.Str(protocol.KeyContact))
	if errors.Is(err, db.ErrNoRows) {
		return s.respond(c, protocol.StatusBadRequest, "contact not found")
	}
	if err != nil {
		s.log.Error().Err(err).Msg("remove contact failed")
		return s.respond(c, protocol.StatusInternalServerError, "directory error")
	}

	return s.respond(c, protocol.StatusOK, "")
}

// peerIP extracts the peer's host. Test transports without a host:port
// address (net.Pipe) fall back to the raw address string.
func peerIP(conn net.Conn) string {
	addr := conn.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
