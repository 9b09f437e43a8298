package web

import (
	"sync/atomic"
	"time"

	"cellfix/internal/pipeline"
)

// Status carries process-level facts that are not part of a run.
type Status struct {
	startUnixNano int64
	modemDevice   atomic.Value // string
	triggerSource atomic.Value // string
	webTriggers   uint64
}

func NewStatus() *Status {
	s := &Status{}
	atomic.StoreInt64(&s.startUnixNano, time.Now().UTC().UnixNano())
	s.modemDevice.Store("")
	s.triggerSource.Store("")
	return s
}

// SetStatic records values fixed at startup.
func (s *Status) SetStatic(modemDevice, triggerSource string) {
	if modemDevice != "" {
		s.modemDevice.Store(modemDevice)
	}
	if triggerSource != "" {
		s.triggerSource.Store(triggerSource)
	}
}

func (s *Status) markWebTrigger() {
	atomic.AddUint64(&s.webTriggers, 1)
}

type StatusSnapshot struct {
	Service     string            `json:"service"`
	NowUTC      string            `json:"now_utc"`
	UptimeSec   int64             `json:"uptime_sec"`
	ModemDevice string            `json:"modem_device"`
	Trigger     string            `json:"trigger"`
	WebTriggers uint64            `json:"web_triggers_total"`
	Pipeline    pipeline.Snapshot `json:"pipeline"`
}

func (s *Status) Snapshot(nowUTC time.Time, run pipeline.Snapshot) StatusSnapshot {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	start := time.Unix(0, atomic.LoadInt64(&s.startUnixNano)).UTC()
	return StatusSnapshot{
		Service:     "cellfix",
		NowUTC:      nowUTC.UTC().Format(time.RFC3339Nano),
		UptimeSec:   int64(nowUTC.Sub(start).Seconds()),
		ModemDevice: s.modemDevice.Load().(string),
		Trigger:     s.triggerSource.Load().(string),
		WebTriggers: atomic.LoadUint64(&s.webTriggers),
		Pipeline:    run,
	}
}
