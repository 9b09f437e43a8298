package wifi

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// commandFn is swapped in tests.
var commandFn = func(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// ConnName is the NetworkManager profile cellfix owns.
const ConnName = "CellfixClient"

// Credentials for the primary wireless network.
type Credentials struct {
	SSID      string
	Password  string
	Interface string
}

func (c Credentials) iface() string {
	if strings.TrimSpace(c.Interface) == "" {
		return "wlan0"
	}
	return c.Interface
}

// ConnectClient asks NetworkManager to join the configured network on the
// client interface. It returns once nmcli has accepted the request; use
// GetStatus to see whether the link actually came up.
func ConnectClient(ctx context.Context, creds Credentials) error {
	if strings.TrimSpace(creds.SSID) == "" {
		return fmt.Errorf("wifi ssid is required")
	}
	ifname := creds.iface()

	// Make sure NetworkManager manages the interface.
	_, _ = commandFn(ctx, "nmcli", "dev", "set", ifname, "managed", "yes")

	// Delete a stale profile to avoid duplicates; it may not exist.
	_, _ = commandFn(ctx, "nmcli", "con", "delete", ConnName)

	// 'device wifi connect' auto-detects the security settings.
	args := []string{
		"device", "wifi", "connect", creds.SSID,
		"ifname", ifname,
		"name", ConnName,
	}
	if creds.Password != "" {
		args = append(args, "password", creds.Password)
	}
	if out, err := commandFn(ctx, "nmcli", args...); err != nil {
		return fmt.Errorf("failed to connect client: %v, output: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

type Status struct {
	SSID  string `json:"ssid"`
	State string `json:"state"` // activated, activating, deactivated, ...
	IP    string `json:"ip,omitempty"`
}

// Connected reports whether NetworkManager has the link fully up.
func (s Status) Connected() bool {
	return s.State == "activated"
}

// GetStatus reports the active wireless connection on ifname, if any.
func GetStatus(ctx context.Context, ifname string) (Status, error) {
	if strings.TrimSpace(ifname) == "" {
		ifname = "wlan0"
	}
	var status Status

	out, err := commandFn(ctx, "nmcli", "-t", "-f", "NAME,TYPE,DEVICE,STATE", "con", "show", "--active")
	if err != nil {
		return status, fmt.Errorf("nmcli active connections: %v", err)
	}
	for _, line := range strings.Split(string(out), "\n") {
		parts := strings.Split(strings.TrimSpace(line), ":")
		if len(parts) < 4 {
			continue
		}
		if parts[2] != ifname || parts[1] != "802-11-wireless" {
			continue
		}
		ssid := lookupConnectionSSID(ctx, parts[0])
		if ssid == "" {
			ssid = parts[0]
		}
		status.SSID = ssid
		status.State = parts[3]
		break
	}

	if status.Connected() {
		if out, err := commandFn(ctx, "nmcli", "-g", "ip4.address", "dev", "show", ifname); err == nil {
			status.IP = strings.TrimSpace(string(out))
		}
	}
	return status, nil
}

func lookupConnectionSSID(ctx context.Context, connName string) string {
	if strings.TrimSpace(connName) == "" {
		return ""
	}
	if out, err := commandFn(ctx, "nmcli", "-g", "802-11-wireless.ssid", "connection", "show", connName); err == nil {
		return strings.TrimSpace(string(out))
	}
	return ""
}

// WaitConnected polls GetStatus every interval until the link is activated
// or maxWait elapses.
func WaitConnected(ctx context.Context, ifname string, interval, maxWait time.Duration) (Status, bool) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()
	tick := time.NewTicker(interval)
	defer tick.Stop()

	var last Status
	for {
		if st, err := GetStatus(ctx, ifname); err == nil {
			last = st
			if st.Connected() {
				return st, true
			}
		}
		select {
		case <-ctx.Done():
			return last, false
		case <-deadline.C:
			return last, false
		case <-tick.C:
		}
	}
}
