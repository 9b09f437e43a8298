package alert

import (
	"fmt"
	"strconv"
	"strings"

	"cellfix/internal/cellinfo"
	"cellfix/internal/geo"
)

const DefaultMapBase = "https://maps.google.com/"

// Report is the fully assembled result of one run. It is only built once
// every stage has succeeded.
type Report struct {
	Cell    cellinfo.Result   `json:"cell"`
	Fix     geo.LocationFix   `json:"fix"`
	Address geo.AddressRecord `json:"address"`
	MapLink string            `json:"map_link"`
}

func ComposeReport(cell cellinfo.Result, fix geo.LocationFix, addr geo.AddressRecord, mapBase string) Report {
	if strings.TrimSpace(mapBase) == "" {
		mapBase = DefaultMapBase
	}
	return Report{
		Cell:    cell,
		Fix:     fix,
		Address: addr,
		MapLink: mapBase + "?q=" + coord(fix.Latitude) + "," + coord(fix.Longitude),
	}
}

// coord renders at most six decimals and at least one, so 40 becomes "40.0"
// and 35.6812362 becomes "35.681236".
func coord(v float64) string {
	s := strconv.FormatFloat(v, 'f', 6, 64)
	s = strings.TrimRight(s, "0")
	if strings.HasSuffix(s, ".") {
		s += "0"
	}
	return s
}

// LocationText is the "lat,lng (Accuracy: Nm)" line.
func (r Report) LocationText() string {
	return fmt.Sprintf("%s (Accuracy: %.0fm)", r.Fix.LatLng(), r.Fix.AccuracyM)
}

// Text is the message body sent by SMS and email.
func (r Report) Text() string {
	var b strings.Builder
	b.WriteString("Cell Info:\n")
	b.WriteString(r.Cell.Summary())
	b.WriteString("\nLocation (Lat,Lng):\n")
	b.WriteString(r.LocationText())
	b.WriteString("\nAddress:\n")
	b.WriteString(r.Address.FormattedAddress)
	b.WriteString("\nGoogle Maps:\n")
	b.WriteString(r.MapLink)
	return b.String()
}
