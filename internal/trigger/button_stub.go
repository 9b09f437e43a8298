//go:build !linux || (!arm && !arm64)

package trigger

import (
	"fmt"
	"io"
	"time"
)

// Stub implementation for non-Linux and/or non-ARM platforms.
func openLine(pin int, debounce time.Duration, onPress func()) (io.Closer, error) {
	return nil, fmt.Errorf("trigger: gpio unsupported on this platform")
}
