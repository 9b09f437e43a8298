package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"cellfix/internal/alert"
	"cellfix/internal/cellinfo"
	"cellfix/internal/geo"
	"cellfix/internal/netconn"
	"cellfix/internal/observability"
)

// ErrBusy is returned when a run is requested while another is in progress.
var ErrBusy = errors.New("run already in progress")

type State string

const (
	StateIdle              State = "idle"
	StateConnecting        State = "connecting"
	StateAcquiringCellInfo State = "acquiring_cell_info"
	StateGeolocating       State = "geolocating"
	StateReverseGeocoding  State = "reverse_geocoding"
	StateDispatching       State = "dispatching"
	StateDone              State = "done"
	StateFailed            State = "failed"
)

type Connector interface {
	Connect(ctx context.Context) (netconn.Path, error)
}

type CellAcquirer interface {
	Acquire(ctx context.Context) (cellinfo.Result, error)
}

type Locator interface {
	Locate(ctx context.Context, cell cellinfo.CellIdentity) (geo.LocationFix, error)
	ReverseGeocode(ctx context.Context, fix geo.LocationFix) (geo.AddressRecord, error)
}

type Notifier interface {
	Dispatch(ctx context.Context, r alert.Report) error
}

type Deps struct {
	Net     Connector
	Cell    CellAcquirer
	Geo     Locator
	Notify  Notifier
	MapBase string
}

// Event is one line of the status trail.
type Event struct {
	At    time.Time `json:"at"`
	State State     `json:"state"`
	Msg   string    `json:"msg,omitempty"`
}

// Result describes one finished run.
type Result struct {
	ID       uint64        `json:"id"`
	State    State         `json:"state"`
	Path     netconn.Path  `json:"path,omitempty"`
	FailedAt State         `json:"failed_at,omitempty"`
	Err      error         `json:"-"`
	Error    string        `json:"error,omitempty"`
	Report   *alert.Report `json:"report,omitempty"`
	Trail    []Event       `json:"trail"`
	Started  time.Time     `json:"started"`
	Finished time.Time     `json:"finished"`
}

// Snapshot is a read-only copy of the orchestrator's state.
type Snapshot struct {
	State State   `json:"state"`
	Busy  bool    `json:"busy"`
	Runs  uint64  `json:"runs"`
	Last  *Result `json:"last,omitempty"`
	Trail []Event `json:"trail"`
}

type Orchestrator struct {
	deps Deps

	runMu sync.Mutex
	busy  atomic.Bool
	runs  atomic.Uint64

	mu    sync.Mutex
	state State
	trail []Event
	last  *Result
}

func New(deps Deps) *Orchestrator {
	return &Orchestrator{deps: deps, state: StateIdle}
}

// Run executes one run, waiting for any run in progress to finish first.
func (o *Orchestrator) Run(ctx context.Context) Result {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	return o.run(ctx)
}

// TryRun executes one run unless another is in progress.
func (o *Orchestrator) TryRun(ctx context.Context) (Result, error) {
	if !o.runMu.TryLock() {
		return Result{}, ErrBusy
	}
	defer o.runMu.Unlock()
	return o.run(ctx), nil
}

// Start launches a run in the background unless another is in progress.
// done, if non-nil, receives the result.
func (o *Orchestrator) Start(ctx context.Context, done func(Result)) error {
	if !o.runMu.TryLock() {
		return ErrBusy
	}
	go func() {
		defer o.runMu.Unlock()
		res := o.run(ctx)
		if done != nil {
			done(res)
		}
	}()
	return nil
}

func (o *Orchestrator) Busy() bool {
	return o.busy.Load()
}

func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := Snapshot{
		State: o.state,
		Busy:  o.busy.Load(),
		Runs:  o.runs.Load(),
		Trail: append([]Event(nil), o.trail...),
	}
	if o.last != nil {
		cp := *o.last
		cp.Trail = append([]Event(nil), o.last.Trail...)
		s.Last = &cp
	}
	return s
}

// LastReport returns the report of the most recent successful run, or nil
// while a run is in progress or after a failed one.
func (o *Orchestrator) LastReport() *alert.Report {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.last == nil || o.last.Report == nil {
		return nil
	}
	r := *o.last.Report
	return &r
}

func (o *Orchestrator) setState(st State, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	ev := Event{At: time.Now(), State: st, Msg: msg}
	o.mu.Lock()
	o.state = st
	o.trail = append(o.trail, ev)
	o.mu.Unlock()
	if msg == "" {
		log.Printf("status state=%s", st)
	} else {
		log.Printf("status state=%s msg=%q", st, msg)
	}
}

func (o *Orchestrator) run(ctx context.Context) (res Result) {
	o.busy.Store(true)
	defer o.busy.Store(false)

	id := o.runs.Add(1)
	res = Result{ID: id, Started: time.Now()}

	// The previous report is cleared before any stage runs.
	o.mu.Lock()
	o.last = nil
	o.trail = nil
	o.mu.Unlock()

	defer func() {
		res.Finished = time.Now()
		o.mu.Lock()
		res.Trail = append([]Event(nil), o.trail...)
		cp := res
		o.last = &cp
		o.state = StateIdle
		o.mu.Unlock()
		observability.Runs.WithLabelValues(string(res.State)).Inc()
		log.Printf("pipeline run=%d finished state=%s took=%s", id, res.State, res.Finished.Sub(res.Started).Round(time.Millisecond))
	}()

	fail := func(stage State, err error) Result {
		res.State = StateFailed
		res.FailedAt = stage
		res.Err = err
		res.Error = err.Error()
		observability.RunFailures.WithLabelValues(string(stage)).Inc()
		o.setState(StateFailed, "%s: %v", stage, err)
		return res
	}

	if o.deps.Net != nil {
		o.setState(StateConnecting, "")
		start := time.Now()
		path, err := o.deps.Net.Connect(ctx)
		observability.ObserveStage(string(StateConnecting), start)
		if err != nil {
			return fail(StateConnecting, err)
		}
		res.Path = path
		o.setState(StateConnecting, "connected via %s", path)
	}

	o.setState(StateAcquiringCellInfo, "")
	start := time.Now()
	cell, err := o.deps.Cell.Acquire(ctx)
	observability.ObserveStage(string(StateAcquiringCellInfo), start)
	if err != nil {
		return fail(StateAcquiringCellInfo, err)
	}
	o.setState(StateAcquiringCellInfo, "%s", cell.Cell)

	o.setState(StateGeolocating, "")
	start = time.Now()
	fix, err := o.deps.Geo.Locate(ctx, cell.Cell)
	observability.ObserveStage(string(StateGeolocating), start)
	if err != nil {
		return fail(StateGeolocating, err)
	}
	o.setState(StateGeolocating, "%s accuracy=%.0fm", fix.LatLng(), fix.AccuracyM)

	o.setState(StateReverseGeocoding, "")
	start = time.Now()
	addr, err := o.deps.Geo.ReverseGeocode(ctx, fix)
	observability.ObserveStage(string(StateReverseGeocoding), start)
	if err != nil {
		return fail(StateReverseGeocoding, err)
	}
	o.setState(StateReverseGeocoding, "%s", addr.FormattedAddress)

	report := alert.ComposeReport(cell, fix, addr, o.deps.MapBase)

	o.setState(StateDispatching, "")
	start = time.Now()
	err = o.deps.Notify.Dispatch(ctx, report)
	observability.ObserveStage(string(StateDispatching), start)
	if err != nil {
		return fail(StateDispatching, err)
	}

	res.State = StateDone
	res.Report = &report
	o.setState(StateDone, "%s", report.MapLink)
	return res
}
