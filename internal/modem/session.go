package modem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"cellfix/internal/observability"
)

// ErrUnresponsive is returned when the modem does not answer a command with
// the expected final result code.
var ErrUnresponsive = errors.New("modem unresponsive")

// LineEnding terminates every command line.
const LineEnding = "\r\n"

// CtrlZ ends an SMS body in text mode.
const CtrlZ = 0x1A

// Port is an opened serial channel to the modem.
//
// Read is expected to return periodically (n == 0, or io.EOF on a tty with
// VMIN=0) when the modem is silent.
type Port interface {
	io.ReadWriteCloser
}

// State is the exchange state of a Session.
type State string

const (
	StateIdle        State = "idle"
	StateCommandSent State = "command_sent"
	StateCollecting  State = "collecting"
)

var openPortFn = openPort

// Session is the framed command/response driver for one serial channel.
//
// A Session is the only owner of its port. Send and Receive are individually
// serialized, but a multi-step exchange (e.g. SMS) relies on the caller not
// running two exchanges at once.
type Session struct {
	port  Port
	trace bool

	mu    sync.Mutex
	state State

	chunks  chan []byte
	readErr chan error

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// Open opens the serial device and starts a Session on it.
func Open(device string, baud int, trace bool) (*Session, error) {
	if strings.TrimSpace(device) == "" {
		return nil, fmt.Errorf("modem device is required")
	}
	if baud == 0 {
		baud = 9600
	}
	p, err := openPortFn(device, baud)
	if err != nil {
		return nil, fmt.Errorf("modem open failed device=%s baud=%d: %w", device, baud, err)
	}
	log.Printf("modem opened device=%s baud=%d", device, baud)
	s := NewSession(p)
	s.trace = trace
	return s, nil
}

// NewSession wraps an already opened port and starts its reader.
func NewSession(p Port) *Session {
	s := &Session{
		port:    p,
		state:   StateIdle,
		chunks:  make(chan []byte, 256),
		readErr: make(chan error, 1),
		done:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.readLoop()
	return s
}

func (s *Session) readLoop() {
	defer s.wg.Done()
	buf := make([]byte, 512)
	for {
		select {
		case <-s.done:
			return
		default:
		}

		n, err := s.port.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			select {
			case s.chunks <- chunk:
			case <-s.done:
				return
			}
		}
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrDeadlineExceeded) {
			select {
			case s.readErr <- err:
			default:
			}
			return
		}
		if n == 0 {
			// Ports with a read timeout already paced us; this only matters
			// for readers that return immediately when empty.
			select {
			case <-s.done:
				return
			case <-time.After(2 * time.Millisecond):
			}
		}
	}
}

// Close stops the reader and closes the port.
func (s *Session) Close() error {
	if s == nil {
		return nil
	}
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.port.Close()
		s.wg.Wait()
	})
	return err
}

// State reports where the session is in its exchange cycle.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Send writes cmd followed by CR/LF and returns without waiting for a reply.
func (s *Session) Send(cmd string) error {
	if s.trace {
		log.Printf("modem tx=%q", cmd)
	}
	if err := s.write([]byte(cmd + LineEnding)); err != nil {
		return fmt.Errorf("modem write %q: %w", cmd, err)
	}
	return nil
}

// SendRaw writes b as is. Used for the SMS body and its terminator.
func (s *Session) SendRaw(b []byte) error {
	if s.trace {
		log.Printf("modem tx raw_bytes=%d", len(b))
	}
	if err := s.write(b); err != nil {
		return fmt.Errorf("modem write: %w", err)
	}
	return nil
}

func (s *Session) write(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.port.Write(b); err != nil {
		return err
	}
	s.state = StateCommandSent
	return nil
}

// Receive collects everything the modem sends during timeout and returns it
// sanitized. A window without any final result code is not an error.
func (s *Session) Receive(ctx context.Context, timeout time.Duration) (Response, error) {
	s.setState(StateCollecting)
	defer s.setState(StateIdle)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var raw []byte
	for {
		select {
		case <-ctx.Done():
			return s.finish(raw), ctx.Err()
		case <-timer.C:
			return s.finish(raw), nil
		case b := <-s.chunks:
			raw = append(raw, b...)
		case err := <-s.readErr:
			return s.finish(raw), fmt.Errorf("modem read: %w", err)
		}
	}
}

func (s *Session) finish(raw []byte) Response {
	text := Sanitize(raw)
	if dropped := len(raw) - len(text); dropped > 0 {
		observability.SanitizedBytes.Add(float64(dropped))
	}
	resp := Response{Raw: text, Lines: SplitLines(text)}
	if s.trace {
		for _, l := range resp.Lines {
			log.Printf("modem rx=%q", l)
		}
	}
	return resp
}

// Command sends cmd and collects the reply window.
func (s *Session) Command(ctx context.Context, cmd string, timeout time.Duration) (Response, error) {
	if err := s.Send(cmd); err != nil {
		observability.ATCommands.WithLabelValues(commandLabel(cmd), "write_error").Inc()
		return Response{}, err
	}
	resp, err := s.Receive(ctx, timeout)
	observability.ATCommands.WithLabelValues(commandLabel(cmd), resp.Result()).Inc()
	return resp, err
}

// Drain discards input that arrived outside an exchange (late replies, URCs).
func (s *Session) Drain() int {
	n := 0
	for {
		select {
		case b := <-s.chunks:
			n += len(b)
		default:
			return n
		}
	}
}

// commandLabel strips arguments so phone numbers and APNs stay out of metrics.
func commandLabel(cmd string) string {
	if i := strings.IndexAny(cmd, "=?"); i >= 0 {
		cmd = cmd[:i]
	}
	return strings.ToUpper(strings.TrimSpace(cmd))
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
