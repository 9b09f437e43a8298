// Package modemtest provides a scripted serial port for tests of code built
// on modem.Session.
package modemtest

import (
	"io"
	"strings"
	"sync"
)

// lineEnding matches modem.LineEnding.
const lineEnding = "\r\n"

// FakePort is an in-memory modem.Port that answers commands from a script.
type FakePort struct {
	mu      sync.Mutex
	replies map[string][]string
	pending []byte
	written []string
	closed  bool

	// Default is returned for commands without a scripted reply.
	Default string
}

// NewFakePort returns a port with no scripted replies.
func NewFakePort() *FakePort {
	return &FakePort{replies: map[string][]string{}}
}

// Reply queues one reply for cmd. Replies for the same command are consumed
// in order; the last one repeats.
func (p *FakePort) Reply(cmd string, reply string) *FakePort {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replies[cmd] = append(p.replies[cmd], reply)
	return p
}

// Inject makes raw bytes available to the next Read, as if sent unprompted.
func (p *FakePort) Inject(raw []byte) {
	p.mu.Lock()
	p.pending = append(p.pending, raw...)
	p.mu.Unlock()
}

// Written returns every command line and raw write seen so far.
func (p *FakePort) Written() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.written...)
}

// Count returns how many times cmd was written.
func (p *FakePort) Count(cmd string) int {
	n := 0
	for _, w := range p.Written() {
		if w == cmd {
			n++
		}
	}
	return n
}

func (p *FakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	if len(p.pending) == 0 {
		return 0, nil
	}
	n := copy(b, p.pending)
	p.pending = p.pending[n:]
	return n, nil
}

func (p *FakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	s := string(b)
	if !strings.HasSuffix(s, lineEnding) {
		p.written = append(p.written, s)
		return len(b), nil
	}
	cmd := strings.TrimSuffix(s, lineEnding)
	p.written = append(p.written, cmd)

	reply := p.Default
	if q := p.replies[cmd]; len(q) > 0 {
		reply = q[0]
		if len(q) > 1 {
			p.replies[cmd] = q[1:]
		}
	}
	p.pending = append(p.pending, reply...)
	return len(b), nil
}

func (p *FakePort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}
