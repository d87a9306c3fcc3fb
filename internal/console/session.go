// Package console owns the telnet-style command session with the debug
// server. The protocol is line-oriented ASCII: commands are newline
// terminated, every response ends with a single '>' prompt byte, and there
// is never more than one command in flight.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/charmbracelet/log"

	"github.com/probectl/probectl/internal/events"
)

// Prompt is the delimiter byte terminating every console response.
const Prompt = byte('>')

const (
	defaultConnectTimeout = 5 * time.Second
	defaultBannerTimeout  = 2 * time.Second
	dialRetryInterval     = 200 * time.Millisecond
	readChunkSize         = 4096
)

// ErrNotConnected indicates a transport operation without an active session.
var ErrNotConnected = errors.New("not connected to debug server")

// Dialer opens one stream connection. Injectable for tests.
type Dialer func(network, address string, timeout time.Duration) (net.Conn, error)

// Options configures a Session.
type Options struct {
	Host           string
	Port           int
	ConnectTimeout time.Duration
	BannerTimeout  time.Duration

	// PreservePartial retains accumulated bytes when a read ends without
	// the delimiter, so a later read can complete the frame. The observed
	// console behavior discards them; this is the opt-in corrected mode.
	PreservePartial bool

	Dialer Dialer
	Logger *log.Logger
	Bus    events.Bus
}

// Session owns the connection to the debug-server console and its receive
// buffer. It is not safe for concurrent use; all command dispatch must be
// serialized by the caller.
type Session struct {
	host            string
	port            int
	connectTimeout  time.Duration
	bannerTimeout   time.Duration
	preservePartial bool
	dial            Dialer
	logger          *log.Logger
	bus             events.Bus

	conn      net.Conn
	buffer    []byte
	connected bool
}

// NewSession creates a disconnected session with default dependencies where
// omitted.
func NewSession(opts Options) (*Session, error) {
	if opts.Port <= 0 || opts.Port > 65535 {
		return nil, fmt.Errorf("console port %d out of range", opts.Port)
	}
	host := opts.Host
	if host == "" {
		host = "localhost"
	}
	connectTimeout := opts.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	bannerTimeout := opts.BannerTimeout
	if bannerTimeout <= 0 {
		bannerTimeout = defaultBannerTimeout
	}
	dial := opts.Dialer
	if dial == nil {
		dial = net.DialTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	bus := opts.Bus
	if bus == nil {
		bus = events.New()
	}

	return &Session{
		host:            host,
		port:            opts.Port,
		connectTimeout:  connectTimeout,
		bannerTimeout:   bannerTimeout,
		preservePartial: opts.PreservePartial,
		dial:            dial,
		logger:          logger,
		bus:             bus,
	}, nil
}

// Connected reports whether the session holds a live connection.
func (s *Session) Connected() bool {
	return s != nil && s.connected
}

// Address returns the console endpoint in host:port form.
func (s *Session) Address() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

// Connect opens the console connection, retrying the dial while the server
// is still binding its port, then reads and discards the startup banner.
// Idempotent when already connected.
func (s *Session) Connect(ctx context.Context) error {
	if s == nil {
		return errors.New("session is nil")
	}
	if s.connected {
		s.logger.Debug("already connected", "address", s.Address())
		return nil
	}

	address := s.Address()
	operation := func() (net.Conn, error) {
		return s.dial("tcp", address, s.connectTimeout)
	}
	conn, err := backoff.Retry(
		ctx,
		operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(dialRetryInterval)),
		backoff.WithMaxElapsedTime(s.connectTimeout),
	)
	if err != nil {
		return fmt.Errorf("connect console %s: %w", address, err)
	}

	s.conn = conn
	s.buffer = nil

	// Priming read: discard the banner up to the first prompt so the next
	// exchange starts on a frame boundary.
	if _, err := s.ReadUntil(Prompt, s.bannerTimeout); err != nil {
		s.teardown()
		return fmt.Errorf("read console banner from %s: %w", address, err)
	}

	s.connected = true
	s.logger.Info("console connected", "address", address)
	s.bus.Publish(events.Event{Type: events.EventTypeSessionConnected, Detail: address})
	return nil
}

// Disconnect closes the connection and clears the session state. Idempotent
// and best-effort; it never returns an error.
func (s *Session) Disconnect() {
	if s == nil || s.conn == nil {
		return
	}
	address := s.Address()
	s.teardown()
	s.logger.Info("console disconnected", "address", address)
	s.bus.Publish(events.Event{Type: events.EventTypeSessionDisconnected, Detail: address})
}

func (s *Session) teardown() {
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.conn = nil
	s.buffer = nil
	s.connected = false
}

// SendLine writes one newline-terminated command to the console.
func (s *Session) SendLine(text string) error {
	if s == nil || s.conn == nil {
		return ErrNotConnected
	}
	if _, err := s.conn.Write([]byte(text + "\n")); err != nil {
		return fmt.Errorf("send command line: %w", err)
	}
	return nil
}

// ReadUntil accumulates data until delimiter appears, timeout elapses, or
// the peer closes the stream. On a delimiter match it returns everything up
// to and including the delimiter and retains surplus bytes for the next
// read. On timeout or close it returns whatever accumulated; the buffer is
// cleared unless the session was configured to preserve partial frames.
func (s *Session) ReadUntil(delimiter byte, timeout time.Duration) ([]byte, error) {
	if s == nil || s.conn == nil {
		return nil, ErrNotConnected
	}

	deadline := time.Now().Add(timeout)
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set read deadline: %w", err)
	}
	defer func() {
		_ = s.conn.SetReadDeadline(time.Time{})
	}()

	chunk := make([]byte, readChunkSize)
	for {
		if frame, ok := s.takeFrame(delimiter); ok {
			return frame, nil
		}
		if !time.Now().Before(deadline) {
			return s.takePartial(), nil
		}

		n, err := s.conn.Read(chunk)
		if n > 0 {
			s.buffer = append(s.buffer, chunk[:n]...)
		}
		if err != nil {
			if frame, ok := s.takeFrame(delimiter); ok {
				return frame, nil
			}
			if errors.Is(err, io.EOF) || isTimeout(err) {
				return s.takePartial(), nil
			}
			return s.takePartial(), fmt.Errorf("read console: %w", err)
		}
	}
}

// takeFrame splits one delimited frame off the front of the buffer.
func (s *Session) takeFrame(delimiter byte) ([]byte, bool) {
	for i, b := range s.buffer {
		if b == delimiter {
			frame := append([]byte(nil), s.buffer[:i+1]...)
			s.buffer = append(s.buffer[:0], s.buffer[i+1:]...)
			return frame, true
		}
	}
	return nil, false
}

func (s *Session) takePartial() []byte {
	partial := append([]byte(nil), s.buffer...)
	if !s.preservePartial {
		s.buffer = nil
	}
	return partial
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return os.IsTimeout(err)
}
