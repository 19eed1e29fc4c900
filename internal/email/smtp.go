package email

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/looprock/alias-relay/internal/transport"
)

// Handler runs one phase of the relay
type Handler interface {
	Forward(ctx context.Context, env transport.Envelope, msg *Message) error
	Reply(ctx context.Context, env transport.Envelope, msg *Message) error
}

// The Backend implements SMTP server methods
type Backend struct {
	handler    Handler
	dispatcher *Dispatcher
	timeout    time.Duration
	log        *zap.Logger
}

// NewBackend creates a new SMTP backend. timeout bounds the work done for a
// single message after DATA.
func NewBackend(handler Handler, dispatcher *Dispatcher, timeout time.Duration, log *zap.Logger) *Backend {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Backend{
		handler:    handler,
		dispatcher: dispatcher,
		timeout:    timeout,
		log:        log,
	}
}

// NewSession implements smtp.Backend interface
func (bkd *Backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	remoteAddr := c.Conn().RemoteAddr().String()
	log := bkd.log.With(zap.String("session", uuid.NewString()), zap.String("remote", remoteAddr))
	log.Debug("New SMTP session started")
	return &Session{
		backend: bkd,
		log:     log,
	}, nil
}

// A Session holds one SMTP transaction at a time. The first recipient is
// authoritative and decides the phase.
type Session struct {
	backend  *Backend
	log      *zap.Logger
	from     string
	mailOpts *smtp.MailOptions
	to       string
	rcptOpts *smtp.RcptOptions
	phase    Phase
}

func (s *Session) Mail(from string, opts *smtp.MailOptions) error {
	s.log.Debug("MAIL FROM", zap.String("from", from))
	s.from = from
	s.mailOpts = opts
	return nil
}

func (s *Session) Rcpt(to string, opts *smtp.RcptOptions) error {
	if s.to != "" {
		s.log.Info("Refusing additional recipient", zap.String("rcpt", to))
		return errTooManyRecipients
	}

	phase, err := s.backend.dispatcher.Classify(to)
	if err != nil {
		s.log.Info("Invalid recipient", zap.String("rcpt", to), zap.Error(err))
		return errBadRecipient
	}

	s.log.Debug("RCPT TO", zap.String("rcpt", to), zap.Stringer("phase", phase))
	s.to = to
	s.rcptOpts = opts
	s.phase = phase
	return nil
}

func (s *Session) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		if errors.Is(err, smtp.ErrDataTooLarge) {
			s.log.Info("Message too large", zap.String("rcpt", s.to))
			return errMessageTooLarge
		}
		s.log.Warn("Error reading email data", zap.Error(err))
		return fmt.Errorf("failed to read email data: %w", err)
	}
	if s.to == "" {
		return errBadRecipient
	}

	msg, err := ParseMessage(data)
	if err != nil {
		s.log.Info("Unparsable message", zap.Error(err))
		return errMalformedMessage
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.backend.timeout)
	defer cancel()

	env := transport.Envelope{
		From:        s.from,
		To:          s.to,
		MailOptions: s.mailOpts,
		RcptOptions: s.rcptOpts,
	}

	switch s.phase {
	case PhaseReply:
		err = s.backend.handler.Reply(ctx, env, msg)
	default:
		err = s.backend.handler.Forward(ctx, env, msg)
	}
	if err != nil {
		return err
	}
	return replyAccepted
}

func (s *Session) Reset() {
	s.from = ""
	s.mailOpts = nil
	s.to = ""
	s.rcptOpts = nil
	s.phase = 0
}

func (s *Session) Logout() error {
	s.log.Debug("SMTP session logout")
	return nil
}

// loggingListener wraps a net.Listener to log connections
type loggingListener struct {
	net.Listener
	log *zap.Logger
}

func (l *loggingListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return conn, err
	}
	l.log.Debug("New TCP connection", zap.Stringer("remote", conn.RemoteAddr()))
	return conn, nil
}

// ServerConfig holds the listener settings for the relay's SMTP server
type ServerConfig struct {
	Host            string
	Port            int
	Domain          string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int64
}

// NewSMTPServer creates the relay's SMTP server. One recipient is accepted
// per transaction.
func NewSMTPServer(be *Backend, cfg ServerConfig) *smtp.Server {
	s := smtp.NewServer(be)
	s.Addr = net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port))
	s.Domain = cfg.Domain
	s.ReadTimeout = cfg.ReadTimeout
	s.WriteTimeout = cfg.WriteTimeout
	s.MaxMessageBytes = cfg.MaxMessageBytes
	s.MaxRecipients = 1
	return s
}

// Listen opens a dual-stack (IPv4 + IPv6) listener for addr
func Listen(ctx context.Context, addr string, log *zap.Logger) (net.Listener, error) {
	config := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var opErr error
			if err := c.Control(func(fd uintptr) {
				opErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
				if opErr != nil || network != "tcp6" {
					return
				}
				opErr = syscall.SetsockoptInt(int(fd), syscall.IPPROTO_IPV6, syscall.IPV6_V6ONLY, 0)
			}); err != nil {
				return err
			}
			return opErr
		},
	}

	listener, err := config.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to create listener: %w", err)
	}
	return &loggingListener{Listener: listener, log: log}, nil
}
