package session

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/zkchannels/zkchannel/protocol"
	"github.com/zkchannels/zkchannel/zkabacus"
)

// ClientConfig configures a session client.
type ClientConfig struct {
	// Addr is the merchant's listen address.
	Addr string

	// TLS is the client TLS configuration. Required unless Dial is set.
	TLS *tls.Config

	// Backoff bounds connect and reconnect retries.
	Backoff Backoff

	// IOTimeout bounds each single read or write. It is the stalled
	// counterpart timeout: a peer silent for longer aborts the attempt.
	IOTimeout time.Duration

	// MaxMessageLength bounds accepted frame bodies.
	MaxMessageLength uint32

	Logger zerolog.Logger

	// Dial overrides the TLS dialer, for tests.
	Dial func(ctx context.Context) (net.Conn, error)
}

// Client runs customer-initiated protocol sessions. It enforces the
// single-flight rule: at most one live exchange per channel.
type Client struct {
	config ClientConfig

	mu       sync.Mutex
	inflight map[zkabacus.ChannelID]bool
}

// NewClient returns a client for the given configuration.
func NewClient(config ClientConfig) *Client {
	if config.IOTimeout == 0 {
		config.IOTimeout = 30 * time.Second
	}
	if config.MaxMessageLength == 0 {
		config.MaxMessageLength = protocol.DefaultMaxLength
	}
	if config.Backoff == (Backoff{}) {
		config.Backoff = DefaultBackoff()
	}
	return &Client{
		config:   config,
		inflight: map[zkabacus.ChannelID]bool{},
	}
}

// Do runs one logical session of the given subprotocol for the given
// channel. It connects, hands the session to fn, and tears the connection
// down when fn returns. Transient disconnections inside fn are absorbed by
// the session's send and receive paths. A second concurrent Do for the
// same channel fails immediately with ErrSessionBusy.
//
// The zero channel ID is used for channel-less sessions (parameters),
// which are not single-flight.
func (c *Client) Do(ctx context.Context, channelID zkabacus.ChannelID, sub protocol.Subprotocol, fn func(*Session) error) error {
	var zero zkabacus.ChannelID
	if channelID != zero {
		c.mu.Lock()
		if c.inflight[channelID] {
			c.mu.Unlock()
			return ErrSessionBusy
		}
		c.inflight[channelID] = true
		c.mu.Unlock()
		defer func() {
			c.mu.Lock()
			delete(c.inflight, channelID)
			c.mu.Unlock()
		}()
	}

	s := &Session{
		client:      c,
		key:         uuid.New(),
		subprotocol: sub,
		channelID:   channelID,
	}
	s.log = c.config.Logger.With().
		Stringer("session_key", s.key).
		Str("subprotocol", string(sub)).
		Logger()
	if err := s.reconnect(ctx); err != nil {
		return err
	}
	defer s.close()
	return fn(s)
}

// Session is the client end of one logical protocol session. It is not
// safe for concurrent use; a session carries one strictly alternating
// exchange.
type Session struct {
	client      *Client
	key         uuid.UUID
	subprotocol protocol.Subprotocol
	channelID   zkabacus.ChannelID
	log         zerolog.Logger

	conn net.Conn
	enc  *protocol.Encoder
	dec  *protocol.Decoder

	// sendSeq is the sequence number of the last message sent.
	// recvSeq is the last peer message delivered to the application.
	// appliedSeq is the last of our messages the peer reported durably
	// applied, learned from the most recent handshake.
	sendSeq    uint64
	recvSeq    uint64
	appliedSeq uint64

	lastSent *protocol.Message
}

// Key returns the session key binding this logical session across
// reconnects.
func (s *Session) Key() uuid.UUID { return s.key }

// Send delivers m to the peer, reconnecting as needed. If a reconnect
// handshake reveals the peer already applied this step, the message is not
// re-sent.
func (s *Session) Send(ctx context.Context, m protocol.Message) error {
	m.Seq = s.sendSeq + 1
	s.lastSent = &m
	s.sendSeq = m.Seq

	if s.conn != nil {
		if err := s.write(ctx, m); err == nil {
			return nil
		} else if ctx.Err() != nil {
			return ctx.Err()
		} else {
			s.log.Debug().Err(err).Msg("send failed, reconnecting")
			s.dropConn()
		}
	}
	// reconnect retransmits lastSent unless the peer already applied it.
	return s.reconnect(ctx)
}

// Recv delivers the next in-order peer message, absorbing reconnects and
// dropping duplicates. Protocol violations are fatal and returned as-is.
func (s *Session) Recv(ctx context.Context) (protocol.Message, error) {
	for {
		if err := ctx.Err(); err != nil {
			return protocol.Message{}, err
		}
		if s.conn == nil {
			if err := s.reconnect(ctx); err != nil {
				return protocol.Message{}, err
			}
		}
		var m protocol.Message
		err := s.read(ctx, &m)
		switch {
		case err == nil:
		case isViolation(err):
			return protocol.Message{}, err
		case ctx.Err() != nil:
			return protocol.Message{}, ctx.Err()
		default:
			s.log.Debug().Err(err).Msg("recv failed, reconnecting")
			s.dropConn()
			continue
		}

		if m.Seq <= s.recvSeq {
			// Duplicate of a message already delivered.
			continue
		}
		if m.Seq != s.recvSeq+1 {
			return protocol.Message{}, &protocol.Violation{
				Subprotocol: s.subprotocol,
				Got:         m.Type,
				Reason:      fmt.Sprintf("sequence gap: got seq %d want %d", m.Seq, s.recvSeq+1),
			}
		}
		s.recvSeq = m.Seq
		return m, nil
	}
}

func isViolation(err error) bool {
	var v *protocol.Violation
	return errors.As(err, &v)
}

// reconnect dials and replays the handshake with bounded backoff,
// retransmitting the last unapplied outbound message. ErrSessionBusy is
// not retried.
func (s *Session) reconnect(ctx context.Context) error {
	backoff := s.client.config.Backoff
	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.connectOnce(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrSessionBusy) || isViolation(err) {
			return err
		}
		lastErr = err
		if attempt >= backoff.MaxRetries {
			return fmt.Errorf("%w: %v", ErrRetriesExhausted, lastErr)
		}
		s.log.Debug().Err(err).Int("attempt", attempt).Msg("connect failed, backing off")
		select {
		case <-time.After(backoff.Delay(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Session) connectOnce(ctx context.Context) error {
	conn, err := s.dial(ctx)
	if err != nil {
		return err
	}
	s.conn = conn
	s.enc = protocol.NewEncoder(conn)
	dec := protocol.NewDecoder(conn)
	dec.SetMaxLength(s.client.config.MaxMessageLength)
	s.dec = dec

	err = s.write(ctx, protocol.Message{
		Type: protocol.TypeHandshakeRequest,
		HandshakeRequest: &protocol.HandshakeRequest{
			SessionKey:  s.key,
			Subprotocol: s.subprotocol,
			ChannelID:   s.channelID,
			LastAck:     s.recvSeq,
		},
	})
	if err != nil {
		s.dropConn()
		return fmt.Errorf("sending handshake: %w", err)
	}
	var resp protocol.Message
	if err := s.read(ctx, &resp); err != nil {
		s.dropConn()
		return fmt.Errorf("reading handshake response: %w", err)
	}
	if resp.Type != protocol.TypeHandshakeResponse || resp.HandshakeResponse == nil {
		s.dropConn()
		return &protocol.Violation{
			Subprotocol: s.subprotocol,
			Got:         resp.Type,
			Want:        protocol.TypeHandshakeResponse,
			Reason:      fmt.Sprintf("handshake: got %s want %s", resp.Type, protocol.TypeHandshakeResponse),
		}
	}
	if resp.HandshakeResponse.Busy {
		s.dropConn()
		return ErrSessionBusy
	}
	s.appliedSeq = resp.HandshakeResponse.LastAck

	// Retransmit the in-flight message if the peer never applied it.
	if s.lastSent != nil && s.appliedSeq < s.lastSent.Seq {
		if err := s.write(ctx, *s.lastSent); err != nil {
			s.dropConn()
			return fmt.Errorf("retransmitting step %d: %w", s.lastSent.Seq, err)
		}
	}
	return nil
}

func (s *Session) dial(ctx context.Context) (net.Conn, error) {
	cfg := s.client.config
	if cfg.Dial != nil {
		return cfg.Dial(ctx)
	}
	d := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: cfg.IOTimeout},
		Config:    cfg.TLS,
	}
	conn, err := d.DialContext(ctx, "tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", cfg.Addr, err)
	}
	return conn, nil
}

func (s *Session) write(ctx context.Context, m protocol.Message) error {
	_ = s.conn.SetWriteDeadline(deadline(ctx, s.client.config.IOTimeout))
	return s.enc.Encode(m)
}

func (s *Session) read(ctx context.Context, m *protocol.Message) error {
	_ = s.conn.SetReadDeadline(deadline(ctx, s.client.config.IOTimeout))
	return s.dec.Decode(m)
}

func (s *Session) dropConn() {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

func (s *Session) close() {
	s.dropConn()
}

// deadline returns the sooner of now+timeout and the context deadline.
func deadline(ctx context.Context, timeout time.Duration) time.Time {
	d := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(d) {
		return ctxDeadline
	}
	return d
}
