package cellinfo

import (
	"fmt"
	"strconv"
	"strings"
)

// SplitFields tokenizes a response payload on commas that are not inside
// double quotes. Quotes are removed and each field is trimmed.
//
//	2,5,"0495","27B9"  ->  [2 5 0495 27B9]
//	0,"1,2,3"          ->  [0 1,2,3]
func SplitFields(payload string) []string {
	var out []string
	var cur strings.Builder
	inQuote := false
	for i := 0; i < len(payload); i++ {
		c := payload[i]
		switch {
		case c == '"':
			inQuote = !inQuote
		case c == ',' && !inQuote:
			out = append(out, strings.TrimSpace(cur.String()))
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	out = append(out, strings.TrimSpace(cur.String()))
	return out
}

// padFields pads with empty strings or truncates so len(out) == n.
func padFields(fields []string, n int) []string {
	out := make([]string, n)
	copy(out, fields)
	return out
}

// parseHex converts a hexadecimal LAC/CID. Malformed input yields 0 and a
// warning instead of an error so one noisy field cannot abort a survey.
func parseHex(name, s string) (int, string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ""
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Sprintf("%s %q is not hex", name, s)
	}
	return int(v), ""
}

func parseDec(name, s string) (int, string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ""
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Sprintf("%s %q is not decimal", name, s)
	}
	return v, ""
}

// Registration is a parsed +CREG record.
type Registration struct {
	Stat int
	// LAC and CID are the raw hex strings; empty unless +CREG=2 is active.
	LAC string
	CID string
}

// Registered reports home (1) or roaming (5) registration.
func (r Registration) Registered() bool {
	return r.Stat == 1 || r.Stat == 5
}

// LACDec returns the decimal LAC (0 when absent or malformed).
func (r Registration) LACDec() int {
	v, _ := parseHex("lac", r.LAC)
	return v
}

// CIDDec returns the decimal cell id (0 when absent or malformed).
func (r Registration) CIDDec() int {
	v, _ := parseHex("cid", r.CID)
	return v
}

// ParseRegistration parses the payload after "+CREG:". Both the query form
// "<n>,<stat>[,<lac>,<ci>]" and the unsolicited form "<stat>[,<lac>,<ci>]"
// are accepted.
func ParseRegistration(payload string) (Registration, error) {
	f := SplitFields(payload)
	var stat string
	var r Registration
	switch len(f) {
	case 1:
		stat = f[0]
	case 2:
		stat = f[1]
	case 3:
		stat, r.LAC, r.CID = f[0], f[1], f[2]
	default:
		f = padFields(f, 4)
		stat, r.LAC, r.CID = f[1], f[2], f[3]
	}
	n, err := strconv.Atoi(stat)
	if err != nil {
		return Registration{}, fmt.Errorf("creg: bad stat %q", stat)
	}
	r.Stat = n
	return r, nil
}

// cengServingArity is the number of fields inside the quoted serving-cell
// record of AT+CENG? in engineering mode 1:
// arfcn,rxl,rxq,mcc,mnc,bsic,cellid,rla,txp,lac,ta.
const cengServingArity = 11

// SurveyRecord holds the serving-cell fields of one survey, still as text.
type SurveyRecord struct {
	ARFCN string
	RxLev string
	MCC   string
	MNC   string
	LAC   string
	CID   string
}

// ParseServingCell extracts the serving cell (index 0) from the payloads of
// every "+CENG:" line in a window. The header line ("1,1") and neighbour
// cells are skipped.
func ParseServingCell(payloads []string) (SurveyRecord, bool) {
	for _, p := range payloads {
		if !strings.Contains(p, `"`) {
			continue
		}
		top := SplitFields(p)
		if len(top) < 2 || top[0] != "0" {
			continue
		}
		f := padFields(SplitFields(top[1]), cengServingArity)
		return SurveyRecord{
			ARFCN: f[0],
			RxLev: f[1],
			MCC:   f[3],
			MNC:   f[4],
			CID:   f[6],
			LAC:   f[9],
		}, true
	}
	return SurveyRecord{}, false
}

// sentinelValue reports the placeholder values the modem prints for
// unknown identifiers.
func sentinelValue(s string) bool {
	return strings.EqualFold(s, "0000") || strings.EqualFold(s, "ffff")
}

// Complete reports whether mcc, mnc, lac and cid are all present and none
// is a placeholder.
func (r SurveyRecord) Complete() bool {
	for _, v := range []string{r.MCC, r.MNC, r.LAC, r.CID} {
		v = strings.TrimSpace(v)
		if v == "" || sentinelValue(v) {
			return false
		}
	}
	return true
}

// Identity converts the text fields. Warnings describe fields that could
// not be parsed and were set to 0.
func (r SurveyRecord) Identity() (CellIdentity, []string) {
	var warns []string
	add := func(w string) {
		if w != "" {
			warns = append(warns, w)
		}
	}
	var id CellIdentity
	var w string
	id.MCC, w = parseDec("mcc", r.MCC)
	add(w)
	id.MNC, w = parseDec("mnc", r.MNC)
	add(w)
	id.LAC, w = parseHex("lac", r.LAC)
	add(w)
	id.CID, w = parseHex("cid", r.CID)
	add(w)
	return id, warns
}

// ParseSignalQuality parses the payload after "+CSQ:" ("<rssi>,<ber>").
func ParseSignalQuality(payload string) (int, error) {
	f := padFields(SplitFields(payload), 2)
	v, err := strconv.Atoi(f[0])
	if err != nil {
		return 0, fmt.Errorf("csq: bad rssi %q", f[0])
	}
	return v, nil
}

// ParseOperator parses the payload after "+COPS:" ("<mode>[,<format>,<oper>]").
// format is 0/1 for names and 2 for the numeric MCC+MNC code.
func ParseOperator(payload string) (format int, oper string, ok bool) {
	f := SplitFields(payload)
	if len(f) < 3 || f[2] == "" {
		return 0, "", false
	}
	format, err := strconv.Atoi(f[1])
	if err != nil {
		return 0, "", false
	}
	return format, f[2], true
}
