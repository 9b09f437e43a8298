package netconn

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/jpillora/backoff"

	"cellfix/internal/cellinfo"
	"cellfix/internal/modem"
	"cellfix/internal/wifi"
)

// ErrConnectivity means neither the wireless network nor the cellular
// fallback produced a network path.
var ErrConnectivity = errors.New("no network connectivity")

// Path names the link a run ended up using.
type Path string

const (
	PathWiFi Path = "wifi"
	PathGPRS Path = "gprs"
)

var (
	connectWiFiFn = wifi.ConnectClient
	waitWiFiFn    = wifi.WaitConnected
)

// Modem is the part of modem.Session the fallback needs.
type Modem interface {
	Command(ctx context.Context, cmd string, timeout time.Duration) (modem.Response, error)
	Drain() int
}

type Config struct {
	WiFi wifi.Credentials
	// PrimaryMaxWait bounds how long we wait for the wireless link.
	PrimaryMaxWait time.Duration
	// PollInterval is the wireless status poll period.
	PollInterval time.Duration

	APN      string
	User     string
	Password string

	CommandTimeout time.Duration
	// RestartWait bounds the wait for the modem to answer AT after the
	// data context reset.
	RestartWait time.Duration
	// RegistrationWait bounds the wait for home/roaming registration.
	RegistrationWait time.Duration
	RegistrationPoll time.Duration
	// BearerTimeout is the window for AT+CIICR, which can take many seconds.
	BearerTimeout time.Duration
}

type Manager struct {
	cfg Config
	m   Modem
}

func New(m Modem, cfg Config) *Manager {
	if cfg.PrimaryMaxWait <= 0 {
		cfg.PrimaryMaxWait = 10 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = time.Second
	}
	if cfg.RestartWait <= 0 {
		cfg.RestartWait = 10 * time.Second
	}
	if cfg.RegistrationWait <= 0 {
		cfg.RegistrationWait = 60 * time.Second
	}
	if cfg.RegistrationPoll <= 0 {
		cfg.RegistrationPoll = time.Second
	}
	if cfg.BearerTimeout <= 0 {
		cfg.BearerTimeout = 30 * time.Second
	}
	return &Manager{cfg: cfg, m: m}
}

// Connect tries the wireless network first and the cellular packet-data
// session only if that fails.
func (mgr *Manager) Connect(ctx context.Context) (Path, error) {
	if strings.TrimSpace(mgr.cfg.WiFi.SSID) != "" {
		if mgr.ConnectPrimary(ctx, mgr.cfg.WiFi, mgr.cfg.PrimaryMaxWait) {
			return PathWiFi, nil
		}
		log.Printf("netconn wifi not available, trying gprs")
	} else {
		log.Printf("netconn no wifi configured, trying gprs")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if mgr.ConnectFallback(ctx, mgr.cfg.APN, mgr.cfg.User, mgr.cfg.Password) {
		return PathGPRS, nil
	}
	return "", fmt.Errorf("%w: wifi and gprs both failed", ErrConnectivity)
}

// ConnectPrimary joins the wireless network and waits up to maxWait for it
// to come up.
func (mgr *Manager) ConnectPrimary(ctx context.Context, creds wifi.Credentials, maxWait time.Duration) bool {
	waitCtx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()

	log.Printf("netconn wifi connecting ssid=%s max_wait=%s", creds.SSID, maxWait)
	if err := connectWiFiFn(waitCtx, creds); err != nil {
		log.Printf("netconn wifi connect failed: %v", err)
		return false
	}
	st, ok := waitWiFiFn(waitCtx, creds.Interface, mgr.cfg.PollInterval, maxWait)
	if !ok {
		log.Printf("netconn wifi not up after %s state=%q", maxWait, st.State)
		return false
	}
	log.Printf("netconn wifi connected ssid=%s ip=%s", st.SSID, st.IP)
	return true
}

var ipRe = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)

// ConnectFallback resets the modem's data context, waits for network
// registration and brings up a GPRS session with the given credentials.
func (mgr *Manager) ConnectFallback(ctx context.Context, apn, user, pass string) bool {
	if mgr.m == nil {
		log.Printf("netconn gprs unavailable: no modem")
		return false
	}
	mgr.m.Drain()

	if resp, err := mgr.m.Command(ctx, "AT+CIPSHUT", mgr.cfg.CommandTimeout); err != nil {
		log.Printf("netconn gprs reset failed: %v", err)
		return false
	} else if !resp.Contains("SHUT OK") {
		log.Printf("netconn gprs reset not acknowledged result=%s", resp.Result())
	}

	if !mgr.waitReady(ctx) {
		log.Printf("netconn gprs modem not answering after reset")
		return false
	}
	if !mgr.waitRegistered(ctx) {
		log.Printf("netconn gprs not registered after %s", mgr.cfg.RegistrationWait)
		return false
	}

	steps := []struct {
		cmd     string
		timeout time.Duration
	}{
		{"AT+CGATT=1", mgr.cfg.CommandTimeout},
		{fmt.Sprintf("AT+CSTT=%q,%q,%q", apn, user, pass), mgr.cfg.CommandTimeout},
		{"AT+CIICR", mgr.cfg.BearerTimeout},
	}
	for i, st := range steps {
		resp, err := mgr.m.Command(ctx, st.cmd, st.timeout)
		if err != nil || !resp.OK() {
			// The APN step carries credentials; name steps by index in logs.
			log.Printf("netconn gprs step=%d failed result=%s err=%v", i+1, resp.Result(), err)
			return false
		}
	}

	resp, err := mgr.m.Command(ctx, "AT+CIFSR", mgr.cfg.CommandTimeout)
	if err != nil {
		log.Printf("netconn gprs ip query failed: %v", err)
		return false
	}
	ip := ipRe.FindString(resp.Raw)
	if ip == "" {
		log.Printf("netconn gprs no local ip result=%s", resp.Result())
		return false
	}
	log.Printf("netconn gprs connected apn=%s ip=%s", apn, ip)
	return true
}

func (mgr *Manager) waitReady(ctx context.Context) bool {
	b := &backoff.Backoff{Min: 250 * time.Millisecond, Max: 2 * time.Second, Factor: 2}
	deadline := time.Now().Add(mgr.cfg.RestartWait)
	for {
		resp, err := mgr.m.Command(ctx, "AT", mgr.cfg.CommandTimeout)
		if err != nil {
			return false
		}
		if resp.OK() {
			return true
		}
		d := b.Duration()
		if time.Now().Add(d).After(deadline) {
			return false
		}
		if err := modem.Sleep(ctx, d); err != nil {
			return false
		}
	}
}

func (mgr *Manager) waitRegistered(ctx context.Context) bool {
	deadline := time.Now().Add(mgr.cfg.RegistrationWait)
	for {
		resp, err := mgr.m.Command(ctx, "AT+CREG?", mgr.cfg.CommandTimeout)
		if err != nil {
			return false
		}
		if payload, ok := resp.LineWithPrefix("+CREG:"); ok {
			if reg, err := cellinfo.ParseRegistration(payload); err == nil && reg.Registered() {
				return true
			}
		}
		if time.Now().Add(mgr.cfg.RegistrationPoll).After(deadline) {
			return false
		}
		if err := modem.Sleep(ctx, mgr.cfg.RegistrationPoll); err != nil {
			return false
		}
	}
}
