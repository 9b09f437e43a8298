package trigger

import (
	"io"
	"log"
	"time"
)

var openLineFn = openLine

const DefaultDebounce = 50 * time.Millisecond

// Button turns presses on a GPIO line into events. Presses that arrive
// while an earlier one is still unconsumed are coalesced.
type Button struct {
	events chan struct{}
	line   io.Closer
}

// OpenButton watches the given BCM GPIO. Pin 0 is the BOOT button on the
// boards cellfix targets.
func OpenButton(pin int, debounce time.Duration) (*Button, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	b := &Button{events: make(chan struct{}, 1)}
	line, err := openLineFn(pin, debounce, b.press)
	if err != nil {
		return nil, err
	}
	b.line = line
	log.Printf("trigger button gpio=%d debounce=%s", pin, debounce)
	return b, nil
}

func (b *Button) press() {
	select {
	case b.events <- struct{}{}:
	default:
	}
}

func (b *Button) Events() <-chan struct{} {
	return b.events
}

func (b *Button) Close() error {
	if b == nil || b.line == nil {
		return nil
	}
	return b.line.Close()
}
