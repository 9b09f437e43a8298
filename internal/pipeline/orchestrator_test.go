package pipeline

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"cellfix/internal/alert"
	"cellfix/internal/cellinfo"
	"cellfix/internal/geo"
	"cellfix/internal/modem"
	"cellfix/internal/modem/modemtest"
	"cellfix/internal/netconn"
)

const servingCENG = "+CENG: 1,1\r\n\r\n" +
	"+CENG: 0,\"0040,35,00,310,260,39,27b9,05,00,0495,00\"\r\n\r\nOK\r\n"

func healthyModem() *modemtest.FakePort {
	return modemtest.NewFakePort().
		Reply("AT", "OK\r\n").
		Reply("AT+CPIN?", "+CPIN: READY\r\n\r\nOK\r\n").
		Reply("AT+CENG=1,1", "OK\r\n").
		Reply("AT+CREG=2", "OK\r\n").
		Reply("AT+CENG?", servingCENG).
		Reply("AT+CSQ", "+CSQ: 17,0\r\n\r\nOK\r\n").
		Reply("AT+COPS?", "+COPS: 0,2,\"310260\"\r\n\r\nOK\r\n").
		Reply("AT+CMGF=1", "OK\r\n").
		Reply(`AT+CMGS="+15551234567"`, "> ")
}

type geoServer struct {
	locateStatus int
	calls        atomic.Int32
	srv          *httptest.Server
}

func newGeoServer(t *testing.T, locateStatus int) *geoServer {
	t.Helper()
	g := &geoServer{locateStatus: locateStatus}
	g.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.calls.Add(1)
		switch {
		case strings.HasPrefix(r.URL.Path, "/geolocate"):
			if g.locateStatus != http.StatusOK {
				http.Error(w, `{"error":{"code":403}}`, g.locateStatus)
				return
			}
			_, _ = w.Write([]byte(`{"location":{"lat":40.0,"lng":-73.0},"accuracy":15.0}`))
		case strings.HasPrefix(r.URL.Path, "/geocode"):
			_, _ = w.Write([]byte(`{"status":"OK","results":[{"formatted_address":"1 Main St"}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(g.srv.Close)
	return g
}

type countingMailer struct{ calls atomic.Int32 }

func (m *countingMailer) SendEmail(ctx context.Context, r alert.Report) error {
	m.calls.Add(1)
	return nil
}

type fixedConnector struct{ path netconn.Path }

func (c fixedConnector) Connect(ctx context.Context) (netconn.Path, error) { return c.path, nil }

func build(t *testing.T, p *modemtest.FakePort, g *geoServer, mailer alert.Mailer) *Orchestrator {
	t.Helper()
	s := modem.NewSession(p)
	t.Cleanup(func() { _ = s.Close() })
	return New(Deps{
		Net: fixedConnector{path: netconn.PathWiFi},
		Cell: cellinfo.New(s, cellinfo.Config{
			CommandTimeout: 25 * time.Millisecond,
			SurveyAttempts: 2,
			SurveyDelay:    time.Millisecond,
		}),
		Geo: geo.New(geo.Config{
			APIKey:       "k",
			GeolocateURL: g.srv.URL + "/geolocate",
			GeocodeURL:   g.srv.URL + "/geocode",
		}),
		Notify: alert.NewDispatcher(s, mailer, "+15551234567", alert.Settle{
			TextMode: 15 * time.Millisecond,
			Address:  15 * time.Millisecond,
			Body:     5 * time.Millisecond,
			Submit:   5 * time.Millisecond,
		}),
	})
}

func TestRun_SilentModemFailsBeforeHTTP(t *testing.T) {
	g := newGeoServer(t, http.StatusOK)
	p := modemtest.NewFakePort() // answers nothing
	o := build(t, p, g, &countingMailer{})

	res := o.Run(context.Background())
	if res.State != StateFailed || res.FailedAt != StateAcquiringCellInfo {
		t.Fatalf("state=%s failed_at=%s", res.State, res.FailedAt)
	}
	if !errors.Is(res.Err, modem.ErrUnresponsive) {
		t.Fatalf("err=%v want ErrUnresponsive", res.Err)
	}
	if n := g.calls.Load(); n != 0 {
		t.Fatalf("http calls=%d want 0", n)
	}
	if res.Report != nil || o.LastReport() != nil {
		t.Fatalf("report produced by failed run")
	}
}

func TestRun_FullSuccess(t *testing.T) {
	g := newGeoServer(t, http.StatusOK)
	p := healthyModem()
	m := &countingMailer{}
	o := build(t, p, g, m)

	res := o.Run(context.Background())
	if res.State != StateDone {
		t.Fatalf("state=%s err=%v", res.State, res.Err)
	}
	if res.Path != netconn.PathWiFi {
		t.Fatalf("path=%q", res.Path)
	}
	r := res.Report
	if r == nil {
		t.Fatalf("no report")
	}
	if r.Fix != (geo.LocationFix{Latitude: 40.0, Longitude: -73.0, AccuracyM: 15.0}) {
		t.Fatalf("fix=%+v", r.Fix)
	}
	if r.Address.FormattedAddress != "1 Main St" {
		t.Fatalf("address=%q", r.Address.FormattedAddress)
	}
	if !strings.Contains(r.MapLink, "40.0,-73.0") {
		t.Fatalf("map link=%q", r.MapLink)
	}
	if !strings.Contains(r.Text(), "1 Main St") {
		t.Fatalf("text=%q", r.Text())
	}
	if m.calls.Load() != 1 {
		t.Fatalf("email calls=%d", m.calls.Load())
	}
	if p.Count(r.Text()) != 1 || p.Count("\x1a") != 1 {
		t.Fatalf("sms not submitted: %q", p.Written())
	}
	if lr := o.LastReport(); lr == nil || lr.MapLink != r.MapLink {
		t.Fatalf("last report=%+v", lr)
	}

	var states []State
	for _, ev := range res.Trail {
		if len(states) == 0 || states[len(states)-1] != ev.State {
			states = append(states, ev.State)
		}
	}
	want := []State{StateConnecting, StateAcquiringCellInfo, StateGeolocating, StateReverseGeocoding, StateDispatching, StateDone}
	if len(states) != len(want) {
		t.Fatalf("trail states=%v want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("trail states=%v want %v", states, want)
		}
	}
	if o.Snapshot().State != StateIdle {
		t.Fatalf("orchestrator not idle after run")
	}
}

func TestRun_GeolocationForbiddenSkipsDispatch(t *testing.T) {
	g := newGeoServer(t, http.StatusForbidden)
	p := healthyModem()
	m := &countingMailer{}
	o := build(t, p, g, m)

	res := o.Run(context.Background())
	if res.State != StateFailed || res.FailedAt != StateGeolocating {
		t.Fatalf("state=%s failed_at=%s", res.State, res.FailedAt)
	}
	if !errors.Is(res.Err, geo.ErrGeolocationHTTP) {
		t.Fatalf("err=%v want ErrGeolocationHTTP", res.Err)
	}
	if m.calls.Load() != 0 {
		t.Fatalf("email sent after failure")
	}
	if p.Count("AT+CMGF=1") != 0 {
		t.Fatalf("sms started after failure")
	}
	if g.calls.Load() != 1 {
		t.Fatalf("http calls=%d want 1 (no reverse geocode)", g.calls.Load())
	}
}

type blockingCell struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingCell) Acquire(ctx context.Context) (cellinfo.Result, error) {
	close(b.entered)
	<-b.release
	return cellinfo.Result{}, errors.New("stopped")
}

func TestTryRun_BusyWhileRunning(t *testing.T) {
	bc := &blockingCell{entered: make(chan struct{}), release: make(chan struct{})}
	o := New(Deps{Cell: bc})

	done := make(chan Result, 1)
	if err := o.Start(context.Background(), func(r Result) { done <- r }); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-bc.entered

	if !o.Busy() {
		t.Fatalf("Busy=false during run")
	}
	if _, err := o.TryRun(context.Background()); !errors.Is(err, ErrBusy) {
		t.Fatalf("TryRun err=%v want ErrBusy", err)
	}
	if err := o.Start(context.Background(), nil); !errors.Is(err, ErrBusy) {
		t.Fatalf("Start err=%v want ErrBusy", err)
	}

	close(bc.release)
	select {
	case r := <-done:
		if r.State != StateFailed {
			t.Fatalf("state=%s", r.State)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not finish")
	}
	if o.Busy() {
		t.Fatalf("still busy after run")
	}
	if o.Snapshot().Runs != 1 {
		t.Fatalf("runs=%d", o.Snapshot().Runs)
	}
}
