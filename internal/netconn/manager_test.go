package netconn

import (
	"context"
	"errors"
	"testing"
	"time"

	"cellfix/internal/modem"
	"cellfix/internal/modem/modemtest"
	"cellfix/internal/wifi"
)

func stubWiFi(t *testing.T, connectErr error, up bool) *int {
	t.Helper()
	origC, origW := connectWiFiFn, waitWiFiFn
	t.Cleanup(func() { connectWiFiFn, waitWiFiFn = origC, origW })

	calls := 0
	connectWiFiFn = func(ctx context.Context, creds wifi.Credentials) error {
		calls++
		return connectErr
	}
	waitWiFiFn = func(ctx context.Context, ifname string, interval, maxWait time.Duration) (wifi.Status, bool) {
		if up {
			return wifi.Status{SSID: "HomeNet", State: "activated"}, true
		}
		return wifi.Status{State: "activating"}, false
	}
	return &calls
}

func gprsPort() *modemtest.FakePort {
	return modemtest.NewFakePort().
		Reply("AT+CIPSHUT", "SHUT OK\r\n").
		Reply("AT", "OK\r\n").
		Reply("AT+CREG?", "+CREG: 0,2\r\n\r\nOK\r\n").
		Reply("AT+CREG?", "+CREG: 0,1\r\n\r\nOK\r\n").
		Reply("AT+CGATT=1", "OK\r\n").
		Reply(`AT+CSTT="internet","user","pw"`, "OK\r\n").
		Reply("AT+CIICR", "OK\r\n").
		Reply("AT+CIFSR", "\r\n10.64.12.7\r\n")
}

func newTestManager(t *testing.T, p *modemtest.FakePort, ssid string) *Manager {
	t.Helper()
	s := modem.NewSession(p)
	t.Cleanup(func() { _ = s.Close() })
	return New(s, Config{
		WiFi:             wifi.Credentials{SSID: ssid},
		PrimaryMaxWait:   50 * time.Millisecond,
		PollInterval:     time.Millisecond,
		APN:              "internet",
		User:             "user",
		Password:         "pw",
		CommandTimeout:   20 * time.Millisecond,
		RestartWait:      200 * time.Millisecond,
		RegistrationWait: 500 * time.Millisecond,
		RegistrationPoll: time.Millisecond,
		BearerTimeout:    20 * time.Millisecond,
	})
}

func TestConnect_PrimarySkipsFallback(t *testing.T) {
	calls := stubWiFi(t, nil, true)
	p := gprsPort()
	mgr := newTestManager(t, p, "HomeNet")

	path, err := mgr.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if path != PathWiFi {
		t.Fatalf("path=%q want wifi", path)
	}
	if *calls != 1 {
		t.Fatalf("wifi connect calls=%d", *calls)
	}
	if w := p.Written(); len(w) != 0 {
		t.Fatalf("modem touched on wifi success: %q", w)
	}
}

func TestConnect_FallsBackToGPRS(t *testing.T) {
	stubWiFi(t, nil, false)
	p := gprsPort()
	mgr := newTestManager(t, p, "HomeNet")

	path, err := mgr.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if path != PathGPRS {
		t.Fatalf("path=%q want gprs", path)
	}
	if p.Count("AT+CREG?") != 2 {
		t.Fatalf("registration polls=%d want 2", p.Count("AT+CREG?"))
	}
	if p.Count(`AT+CSTT="internet","user","pw"`) != 1 {
		t.Fatalf("apn not sent: %q", p.Written())
	}
}

func TestConnect_NoSSIDGoesStraightToGPRS(t *testing.T) {
	calls := stubWiFi(t, nil, true)
	mgr := newTestManager(t, gprsPort(), "")

	path, err := mgr.Connect(context.Background())
	if err != nil || path != PathGPRS {
		t.Fatalf("path=%q err=%v", path, err)
	}
	if *calls != 0 {
		t.Fatalf("wifi should not be tried without an ssid")
	}
}

func TestConnect_BothFailIsConnectivityError(t *testing.T) {
	stubWiFi(t, errors.New("nmcli missing"), false)
	p := modemtest.NewFakePort().
		Reply("AT+CIPSHUT", "SHUT OK\r\n").
		Reply("AT", "OK\r\n").
		Reply("AT+CREG?", "+CREG: 0,1\r\n\r\nOK\r\n").
		Reply("AT+CGATT=1", "OK\r\n").
		Reply(`AT+CSTT="internet","user","pw"`, "OK\r\n").
		Reply("AT+CIICR", "ERROR\r\n")
	mgr := newTestManager(t, p, "HomeNet")

	_, err := mgr.Connect(context.Background())
	if !errors.Is(err, ErrConnectivity) {
		t.Fatalf("err=%v want ErrConnectivity", err)
	}
	if p.Count("AT+CIFSR") != 0 {
		t.Fatalf("ip query after failed bearer")
	}
}

func TestConnectFallback_RegistrationTimeout(t *testing.T) {
	p := modemtest.NewFakePort().
		Reply("AT+CIPSHUT", "SHUT OK\r\n").
		Reply("AT", "OK\r\n").
		Reply("AT+CREG?", "+CREG: 0,2\r\n\r\nOK\r\n")
	mgr := newTestManager(t, p, "")
	mgr.cfg.RegistrationWait = 80 * time.Millisecond

	if mgr.ConnectFallback(context.Background(), "internet", "", "") {
		t.Fatalf("expected failure while searching")
	}
	if p.Count("AT+CGATT=1") != 0 {
		t.Fatalf("attach attempted without registration")
	}
}

func TestConnectFallback_ModemSilentAfterReset(t *testing.T) {
	p := modemtest.NewFakePort()
	mgr := newTestManager(t, p, "")
	mgr.cfg.RestartWait = 100 * time.Millisecond

	if mgr.ConnectFallback(context.Background(), "internet", "", "") {
		t.Fatalf("expected failure")
	}
	if p.Count("AT+CREG?") != 0 {
		t.Fatalf("registration polled on a silent modem")
	}
}
