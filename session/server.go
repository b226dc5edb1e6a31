package session

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/zkchannels/zkchannel/protocol"
	"github.com/zkchannels/zkchannel/zkabacus"
)

// Handler processes one in-order protocol message of a server session and
// returns the response message, or nil when the protocol defines no
// response (the session layer acknowledges instead). The handler must have
// durably persisted the message's effects before returning: the session
// layer marks the step applied, and a resumed session will never replay
// it.
//
// A handler rejects an operation by returning a Reject message, not an
// error. A returned error is internal: the session is aborted without a
// response.
type Handler interface {
	Handle(ctx context.Context, sess *ServerSession, m protocol.Message) (*protocol.Message, error)
}

// ServerConfig configures a session server.
type ServerConfig struct {
	Handler Handler

	// TLS is the server TLS configuration. Required unless the listener
	// passed to Serve already speaks TLS.
	TLS *tls.Config

	// SessionTimeout is how long a disconnected session is kept for
	// resumption before being garbage-collected.
	SessionTimeout time.Duration

	// IOTimeout bounds each single read or write on a connection.
	IOTimeout time.Duration

	// MaxMessageLength bounds accepted frame bodies.
	MaxMessageLength uint32

	Logger zerolog.Logger
}

// Server accepts connections and runs the merchant end of protocol
// sessions: it validates sequencing, deduplicates replayed steps,
// acknowledges applied steps, and keeps interrupted sessions resumable
// until they expire.
type Server struct {
	config ServerConfig

	mu        sync.Mutex
	sessions  map[uuid.UUID]*ServerSession
	byChannel map[zkabacus.ChannelID]uuid.UUID
}

// NewServer returns a server for the given configuration.
func NewServer(config ServerConfig) *Server {
	if config.SessionTimeout == 0 {
		config.SessionTimeout = time.Minute
	}
	if config.IOTimeout == 0 {
		config.IOTimeout = 30 * time.Second
	}
	if config.MaxMessageLength == 0 {
		config.MaxMessageLength = protocol.DefaultMaxLength
	}
	return &Server{
		config:    config,
		sessions:  map[uuid.UUID]*ServerSession{},
		byChannel: map[zkabacus.ChannelID]uuid.UUID{},
	}
}

// ServerSession is the merchant end of one logical session. Handlers may
// stage in-flight subprotocol state in State between steps; it is
// discarded with the session.
type ServerSession struct {
	key         uuid.UUID
	subprotocol protocol.Subprotocol
	channelID   zkabacus.ChannelID
	progress    *protocol.Progress

	// State is handler scratch space for the life of the session.
	State interface{}

	mu         sync.Mutex
	applied    uint64
	sendSeq    uint64
	outbox     []protocol.Message
	lastActive time.Time
	done       bool
}

func (ss *ServerSession) Key() uuid.UUID { return ss.key }

func (ss *ServerSession) Subprotocol() protocol.Subprotocol { return ss.subprotocol }

func (ss *ServerSession) ChannelID() zkabacus.ChannelID { return ss.channelID }

// Serve accepts and serves connections until ctx is canceled or the
// listener fails. If ServerConfig.TLS is set the listener is wrapped in
// TLS.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.config.TLS != nil {
		ln = tls.NewListener(ln, s.config.TLS)
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return ln.Close()
	})
	g.Go(func() error {
		s.sweepLoop(ctx)
		return nil
	})
	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("accepting connection: %w", err)
			}
			go s.handleConn(ctx, conn)
		}
	})
	err := g.Wait()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	enc := protocol.NewEncoder(conn)
	dec := protocol.NewDecoder(conn)
	dec.SetMaxLength(s.config.MaxMessageLength)

	write := func(m protocol.Message) error {
		_ = conn.SetWriteDeadline(deadline(ctx, s.config.IOTimeout))
		return enc.Encode(m)
	}
	read := func(m *protocol.Message) error {
		_ = conn.SetReadDeadline(deadline(ctx, s.config.IOTimeout))
		return dec.Decode(m)
	}

	var hello protocol.Message
	if err := read(&hello); err != nil {
		s.config.Logger.Debug().Err(err).Msg("reading handshake")
		return
	}
	if hello.Type != protocol.TypeHandshakeRequest || hello.HandshakeRequest == nil {
		s.config.Logger.Warn().Stringer("type", hello.Type).Msg("connection did not open with handshake")
		return
	}
	req := *hello.HandshakeRequest

	sess, busy, err := s.attach(req)
	if err != nil {
		s.config.Logger.Warn().Err(err).Msg("rejecting handshake")
		return
	}
	if busy {
		_ = write(protocol.Message{
			Type:              protocol.TypeHandshakeResponse,
			HandshakeResponse: &protocol.HandshakeResponse{Busy: true},
		})
		return
	}
	log := s.config.Logger.With().
		Stringer("session_key", sess.key).
		Str("subprotocol", string(sess.subprotocol)).
		Logger()

	sess.mu.Lock()
	sess.lastActive = time.Now()
	resp := protocol.Message{
		Type:              protocol.TypeHandshakeResponse,
		HandshakeResponse: &protocol.HandshakeResponse{LastAck: sess.applied},
	}
	// Prune delivered responses, then queue the rest for retransmission.
	kept := sess.outbox[:0]
	var resend []protocol.Message
	for _, m := range sess.outbox {
		if m.Seq > req.LastAck {
			kept = append(kept, m)
			resend = append(resend, m)
		}
	}
	sess.outbox = kept
	sess.mu.Unlock()

	if err := write(resp); err != nil {
		return
	}
	for _, m := range resend {
		if err := write(m); err != nil {
			return
		}
	}

	for {
		var m protocol.Message
		if err := read(&m); err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				log.Debug().Err(err).Msg("connection interrupted")
			}
			if isViolation(err) {
				_ = write(protocol.Message{
					Type:   protocol.TypeReject,
					Seq:    sess.nextSendSeq(),
					Reject: &protocol.Reject{Code: protocol.RejectCodeProtocolViolation, Message: err.Error()},
				})
				s.abort(sess, log, err)
			}
			return
		}
		ok, reply, err := s.step(ctx, sess, m)
		if err != nil {
			code := protocol.RejectCodeInternal
			if isViolation(err) {
				code = protocol.RejectCodeProtocolViolation
			}
			_ = write(protocol.Message{
				Type:   protocol.TypeReject,
				Seq:    sess.nextSendSeq(),
				Reject: &protocol.Reject{Code: code, Message: err.Error()},
			})
			s.abort(sess, log, err)
			return
		}
		if !ok {
			continue
		}
		if err := write(reply); err != nil {
			return
		}
		if sess.progress.Done() {
			s.finish(sess)
		}
	}
}

// step applies one incoming message to the session. It returns the
// response to write, or ok=false for a duplicate that was already applied
// and needs no new write beyond retransmitting the recorded response.
func (s *Server) step(ctx context.Context, sess *ServerSession, m protocol.Message) (ok bool, reply protocol.Message, err error) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.lastActive = time.Now()

	if m.Type == protocol.TypeHandshakeRequest || m.Type == protocol.TypeHandshakeResponse {
		return false, protocol.Message{}, &protocol.Violation{
			Subprotocol: sess.subprotocol,
			Got:         m.Type,
			Reason:      "handshake message inside established session",
		}
	}
	if m.Seq <= sess.applied {
		// Replay of an applied step. Retransmit its recorded response
		// rather than re-executing the handler.
		if n := len(sess.outbox); n > 0 {
			return true, sess.outbox[n-1], nil
		}
		return false, protocol.Message{}, nil
	}
	if m.Seq != sess.applied+1 {
		return false, protocol.Message{}, &protocol.Violation{
			Subprotocol: sess.subprotocol,
			Got:         m.Type,
			Reason:      fmt.Sprintf("sequence gap: got seq %d want %d", m.Seq, sess.applied+1),
		}
	}

	if _, err := sess.progress.Advance(protocol.PartyCustomer, m); err != nil {
		return false, protocol.Message{}, err
	}

	resp, err := s.config.Handler.Handle(ctx, sess, m)
	if err != nil {
		return false, protocol.Message{}, fmt.Errorf("handling %s: %w", m.Type, err)
	}
	// The handler has durably applied the step.
	sess.applied = m.Seq

	if resp == nil {
		resp = &protocol.Message{Type: protocol.TypeAck, Ack: &protocol.Ack{}}
	}
	if resp.Type != protocol.TypeAck {
		if _, err := sess.progress.Advance(protocol.PartyMerchant, *resp); err != nil {
			return false, protocol.Message{}, fmt.Errorf("handler response for %s: %w", m.Type, err)
		}
	}
	sess.sendSeq++
	resp.Seq = sess.sendSeq
	sess.outbox = append(sess.outbox, *resp)
	return true, *resp, nil
}

// attach finds the session for a handshake, or creates it. It enforces
// the per-channel single-flight rule for channel-bound subprotocols.
func (s *Server) attach(req protocol.HandshakeRequest) (*ServerSession, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[req.SessionKey]; ok {
		if sess.subprotocol != req.Subprotocol || sess.channelID != req.ChannelID {
			return nil, false, fmt.Errorf("session %s resumed with different parameters", req.SessionKey)
		}
		return sess, false, nil
	}

	var zero zkabacus.ChannelID
	if req.ChannelID != zero {
		if other, ok := s.byChannel[req.ChannelID]; ok {
			if existing, live := s.sessions[other]; live && !existing.expired(s.config.SessionTimeout) && !existing.finished() {
				return nil, true, nil
			}
		}
	}

	progress, err := protocol.NewProgress(req.Subprotocol)
	if err != nil {
		return nil, false, err
	}
	sess := &ServerSession{
		key:         req.SessionKey,
		subprotocol: req.Subprotocol,
		channelID:   req.ChannelID,
		progress:    progress,
		lastActive:  time.Now(),
	}
	s.sessions[req.SessionKey] = sess
	if req.ChannelID != zero {
		s.byChannel[req.ChannelID] = req.SessionKey
	}
	return sess, false, nil
}

func (ss *ServerSession) nextSendSeq() uint64 {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.sendSeq++
	return ss.sendSeq
}

func (ss *ServerSession) expired(timeout time.Duration) bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return time.Since(ss.lastActive) > timeout
}

func (ss *ServerSession) finished() bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.done
}

// finish releases the channel's single-flight slot. The session itself is
// kept until expiry so a client that missed the final response can still
// resume and collect it.
func (s *Server) finish(sess *ServerSession) {
	sess.mu.Lock()
	sess.done = true
	sess.mu.Unlock()
}

// abort discards a session after a protocol violation or handler failure.
// No state was mutated for the offending step.
func (s *Server) abort(sess *ServerSession, log zerolog.Logger, err error) {
	log.Warn().Err(err).Msg("aborting session")
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sess.key)
	var zero zkabacus.ChannelID
	if sess.channelID != zero && s.byChannel[sess.channelID] == sess.key {
		delete(s.byChannel, sess.channelID)
	}
}

func (s *Server) sweepLoop(ctx context.Context) {
	interval := s.config.SessionTimeout / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Server) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, sess := range s.sessions {
		if sess.expired(s.config.SessionTimeout) {
			delete(s.sessions, key)
			var zero zkabacus.ChannelID
			if sess.channelID != zero && s.byChannel[sess.channelID] == key {
				delete(s.byChannel, sess.channelID)
			}
		}
	}
}
