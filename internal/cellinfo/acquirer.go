package cellinfo

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"cellfix/internal/modem"
	"cellfix/internal/observability"
)

var (
	ErrSimNotReady        = errors.New("sim not ready")
	ErrCellInfoIncomplete = errors.New("cell info incomplete")
)

// Commander is the part of modem.Session the acquirer needs.
type Commander interface {
	Command(ctx context.Context, cmd string, timeout time.Duration) (modem.Response, error)
	Drain() int
}

type Config struct {
	// CommandTimeout is the collection window for each command.
	CommandTimeout time.Duration
	// SurveyAttempts bounds the AT+CENG? loop.
	SurveyAttempts int
	// SurveyDelay is the pause between survey attempts.
	SurveyDelay time.Duration
	// CarrierFreqMHz feeds the distance estimate.
	CarrierFreqMHz float64
}

type Acquirer struct {
	cfg Config
	m   Commander
}

func New(m Commander, cfg Config) *Acquirer {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 500 * time.Millisecond
	}
	if cfg.SurveyAttempts <= 0 {
		cfg.SurveyAttempts = 5
	}
	if cfg.SurveyDelay < 0 {
		cfg.SurveyDelay = 0
	}
	if cfg.CarrierFreqMHz <= 0 {
		cfg.CarrierFreqMHz = CarrierFreqMHz
	}
	return &Acquirer{cfg: cfg, m: m}
}

// Acquire runs liveness, SIM, survey, signal and operator queries.
// Liveness, SIM and survey failures abort; the rest are best effort.
func (a *Acquirer) Acquire(ctx context.Context) (Result, error) {
	if a == nil || a.m == nil {
		return Result{}, fmt.Errorf("cellinfo acquirer has no modem")
	}
	a.m.Drain()

	resp, err := a.m.Command(ctx, "AT", a.cfg.CommandTimeout)
	if err != nil {
		return Result{}, fmt.Errorf("liveness: %w", err)
	}
	// Noise can land on the result line; any OK in the window counts.
	if !resp.Contains("OK") {
		return Result{}, fmt.Errorf("liveness: no OK to AT: %w", modem.ErrUnresponsive)
	}

	resp, err = a.m.Command(ctx, "AT+CPIN?", a.cfg.CommandTimeout)
	if err != nil {
		return Result{}, fmt.Errorf("sim: %w", err)
	}
	pin, _ := resp.LineWithPrefix("+CPIN:")
	if !simReady(pin) {
		if pin == "" {
			pin = "no +CPIN reply"
		}
		return Result{}, fmt.Errorf("%w: %s", ErrSimNotReady, pin)
	}

	res, err := a.survey(ctx)
	if err != nil {
		return Result{}, err
	}

	res.Signal = a.signal(ctx, &res)
	res.Operator = a.operator(ctx)

	if res.Signal.DistanceM != nil {
		log.Printf("cellinfo signal rssi=%d dbm=%d est_distance_m=%.0f (low confidence)", res.Signal.RSSICode, res.Signal.DBm, *res.Signal.DistanceM)
	} else {
		log.Printf("cellinfo signal rssi=%d unknown, no distance estimate", res.Signal.RSSICode)
	}
	for _, w := range res.Warnings {
		log.Printf("cellinfo warning: %s", w)
	}
	return res, nil
}

// simReady accepts a +CPIN payload containing READY, except NOT READY.
func simReady(pin string) bool {
	return strings.Contains(pin, "READY") && !strings.Contains(pin, "NOT READY")
}

func (a *Acquirer) survey(ctx context.Context) (Result, error) {
	// Engineering mode with the cell id reported, and LAC/CID in +CREG.
	if resp, err := a.m.Command(ctx, "AT+CENG=1,1", a.cfg.CommandTimeout); err != nil {
		return Result{}, fmt.Errorf("survey mode: %w", err)
	} else if !resp.OK() {
		log.Printf("cellinfo AT+CENG=1,1 not acknowledged result=%s", resp.Result())
	}
	if _, err := a.m.Command(ctx, "AT+CREG=2", a.cfg.CommandTimeout); err != nil {
		return Result{}, fmt.Errorf("survey mode: %w", err)
	}

	var warns []string
	for attempt := 1; attempt <= a.cfg.SurveyAttempts; attempt++ {
		observability.SurveyAttempts.Inc()
		resp, err := a.m.Command(ctx, "AT+CENG?", a.cfg.CommandTimeout)
		if err != nil {
			return Result{}, fmt.Errorf("survey: %w", err)
		}
		rec, found := ParseServingCell(resp.LinesWithPrefix("+CENG:"))
		if found && (rec.LAC == "" || rec.CID == "") {
			a.fillFromRegistration(ctx, &rec)
		}

		if found && rec.Complete() {
			id, w := rec.Identity()
			if id.Valid() {
				log.Printf("cellinfo survey attempt=%d/%d complete %s", attempt, a.cfg.SurveyAttempts, id)
				return Result{Cell: id, Attempts: attempt, Warnings: append(warns, w...)}, nil
			}
			warns = append(warns, w...)
		}
		log.Printf("cellinfo survey attempt=%d/%d incomplete found=%v mcc=%q mnc=%q lac=%q cid=%q",
			attempt, a.cfg.SurveyAttempts, found, rec.MCC, rec.MNC, rec.LAC, rec.CID)

		if attempt < a.cfg.SurveyAttempts {
			if err := modem.Sleep(ctx, a.cfg.SurveyDelay); err != nil {
				return Result{}, err
			}
		}
	}
	return Result{}, fmt.Errorf("%w after %d attempts", ErrCellInfoIncomplete, a.cfg.SurveyAttempts)
}

// fillFromRegistration takes LAC/CID from +CREG when the survey record left
// them blank (some firmware only prints them there).
func (a *Acquirer) fillFromRegistration(ctx context.Context, rec *SurveyRecord) {
	resp, err := a.m.Command(ctx, "AT+CREG?", a.cfg.CommandTimeout)
	if err != nil {
		return
	}
	payload, ok := resp.LineWithPrefix("+CREG:")
	if !ok {
		return
	}
	reg, err := ParseRegistration(payload)
	if err != nil {
		return
	}
	if rec.LAC == "" {
		rec.LAC = reg.LAC
	}
	if rec.CID == "" {
		rec.CID = reg.CID
	}
}

func (a *Acquirer) signal(ctx context.Context, res *Result) SignalReading {
	resp, err := a.m.Command(ctx, "AT+CSQ", a.cfg.CommandTimeout)
	if err != nil {
		res.Warnings = append(res.Warnings, "signal query failed: "+err.Error())
		return SignalReading{RSSICode: RSSIUnknown}
	}
	payload, ok := resp.LineWithPrefix("+CSQ:")
	if !ok {
		res.Warnings = append(res.Warnings, "no +CSQ reply")
		return SignalReading{RSSICode: RSSIUnknown}
	}
	code, err := ParseSignalQuality(payload)
	if err != nil {
		res.Warnings = append(res.Warnings, err.Error())
		return SignalReading{RSSICode: RSSIUnknown}
	}
	if code != RSSIUnknown && (code < 0 || code > 31) {
		res.Warnings = append(res.Warnings, fmt.Sprintf("csq: rssi %d out of range", code))
		code = RSSIUnknown
	}
	return NewSignalReading(code, a.cfg.CarrierFreqMHz)
}

func (a *Acquirer) operator(ctx context.Context) OperatorInfo {
	var op OperatorInfo
	if resp, err := a.m.Command(ctx, "AT+COPS?", a.cfg.CommandTimeout); err == nil {
		if payload, ok := resp.LineWithPrefix("+COPS:"); ok {
			if format, oper, ok := ParseOperator(payload); ok {
				if format == 2 {
					op.Numeric = oper
				} else {
					op.Name = oper
				}
			}
		}
	}
	if op.Numeric != "" {
		return op
	}

	// Switch to numeric format for one query, then back to long names.
	if _, err := a.m.Command(ctx, "AT+COPS=3,2", a.cfg.CommandTimeout); err != nil {
		return op
	}
	if resp, err := a.m.Command(ctx, "AT+COPS?", a.cfg.CommandTimeout); err == nil {
		if payload, ok := resp.LineWithPrefix("+COPS:"); ok {
			if format, oper, ok := ParseOperator(payload); ok && format == 2 {
				op.Numeric = strings.TrimSpace(oper)
			}
		}
	}
	_, _ = a.m.Command(ctx, "AT+COPS=3,0", a.cfg.CommandTimeout)
	return op
}
