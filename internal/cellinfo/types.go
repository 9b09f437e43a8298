package cellinfo

import (
	"fmt"
	"math"
	"strings"
)

// CellIdentity identifies the serving cell. LAC and CID are decimal.
type CellIdentity struct {
	MCC int `json:"mcc"`
	MNC int `json:"mnc"`
	LAC int `json:"lac"`
	CID int `json:"cid"`
}

// Valid reports whether every field is set and LAC/CID are not the 0xFFFF
// placeholder.
func (c CellIdentity) Valid() bool {
	if c.MCC <= 0 || c.LAC <= 0 || c.CID <= 0 || c.MNC < 0 {
		return false
	}
	return c.LAC != 0xFFFF && c.CID != 0xFFFF
}

func (c CellIdentity) String() string {
	return fmt.Sprintf("MCC=%d MNC=%d LAC=%d CID=%d", c.MCC, c.MNC, c.LAC, c.CID)
}

// RSSIUnknown is the +CSQ code for "not known or not detectable".
const RSSIUnknown = 99

// CarrierFreqMHz is the assumed GSM carrier for the distance estimate.
const CarrierFreqMHz = 900.0

// SignalReading is the +CSQ result.
type SignalReading struct {
	RSSICode int `json:"rssi_code"`
	// DBm is only meaningful when Known() is true.
	DBm int `json:"dbm,omitempty"`
	// DistanceM is a free-space path-loss guess; nil when the signal is unknown.
	DistanceM *float64 `json:"distance_m,omitempty"`
}

// Known reports whether RSSICode is in 0..31.
func (s SignalReading) Known() bool {
	return s.RSSICode >= 0 && s.RSSICode <= 31
}

// RSSIToDBm maps a +CSQ code 0..31 onto -113..-51 dBm.
func RSSIToDBm(code int) int {
	return -113 + 2*code
}

// EstimateDistanceM inverts free-space path loss:
// d = 10^((27.55 - 20*log10(f) + |signal|) / 20).
// Low confidence; for logs only.
func EstimateDistanceM(freqMHz, signal float64) float64 {
	return math.Pow(10, (27.55-20*math.Log10(freqMHz)+math.Abs(signal))/20)
}

// NewSignalReading derives dBm and the distance guess from a +CSQ code.
func NewSignalReading(code int, freqMHz float64) SignalReading {
	s := SignalReading{RSSICode: code}
	if !s.Known() {
		return s
	}
	s.DBm = RSSIToDBm(code)
	d := EstimateDistanceM(freqMHz, float64(s.DBm))
	s.DistanceM = &d
	return s
}

// OperatorInfo is best effort; both fields may be empty.
type OperatorInfo struct {
	Numeric string `json:"numeric,omitempty"`
	Name    string `json:"name,omitempty"`
}

// Result is everything one acquisition produced.
type Result struct {
	Cell     CellIdentity  `json:"cell"`
	Signal   SignalReading `json:"signal"`
	Operator OperatorInfo  `json:"operator"`
	Attempts int           `json:"attempts"`
	Warnings []string      `json:"warnings,omitempty"`
}

// Summary is the multi-line text used in the report.
func (r Result) Summary() string {
	var b strings.Builder
	b.WriteString(r.Cell.String())
	if r.Operator.Name != "" || r.Operator.Numeric != "" {
		fmt.Fprintf(&b, "\nOperator: %s", r.Operator.Name)
		if r.Operator.Numeric != "" {
			fmt.Fprintf(&b, " (%s)", r.Operator.Numeric)
		}
	}
	if r.Signal.Known() {
		fmt.Fprintf(&b, "\nSignal: %d (%d dBm)", r.Signal.RSSICode, r.Signal.DBm)
	} else {
		b.WriteString("\nSignal: unknown")
	}
	if r.Signal.DistanceM != nil {
		fmt.Fprintf(&b, "\nApprox. distance to cell: %.0f m", *r.Signal.DistanceM)
	}
	return b.String()
}
