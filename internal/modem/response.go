package modem

import "strings"

// Response is the sanitized text collected for one command window.
type Response struct {
	Raw   string
	Lines []string
}

// Sanitize drops every byte outside printable ASCII except CR and LF.
// The UART picks up garbage on power glitches; it never carries anything
// we need outside that range.
func Sanitize(raw []byte) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, c := range raw {
		if c == '\r' || c == '\n' || (c >= 32 && c <= 126) {
			b.WriteByte(c)
		}
	}
	return b.String()
}

// SplitLines splits on CR and/or LF, trims each line and drops empty ones.
func SplitLines(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool { return r == '\r' || r == '\n' })
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// Contains reports whether sub appears anywhere in the window.
func (r Response) Contains(sub string) bool {
	return strings.Contains(r.Raw, sub)
}

// HasLine reports whether some line is exactly s. Use it for final result
// codes so "OK" inside an operator name does not count.
func (r Response) HasLine(s string) bool {
	for _, l := range r.Lines {
		if l == s {
			return true
		}
	}
	return false
}

// OK reports a final "OK" result code.
func (r Response) OK() bool { return r.HasLine("OK") }

// LineWithPrefix returns the first line starting with prefix, with the prefix
// and surrounding spaces removed.
func (r Response) LineWithPrefix(prefix string) (string, bool) {
	for _, l := range r.Lines {
		if strings.HasPrefix(l, prefix) {
			return strings.TrimSpace(l[len(prefix):]), true
		}
	}
	return "", false
}

// LinesWithPrefix returns every payload that follows prefix, in receipt order.
func (r Response) LinesWithPrefix(prefix string) []string {
	var out []string
	for _, l := range r.Lines {
		if strings.HasPrefix(l, prefix) {
			out = append(out, strings.TrimSpace(l[len(prefix):]))
		}
	}
	return out
}

// Result classifies the window by its final result code.
func (r Response) Result() string {
	switch {
	case r.OK():
		return "ok"
	case r.HasLine("ERROR") || r.Contains("+CME ERROR") || r.Contains("+CMS ERROR"):
		return "error"
	default:
		return "none"
	}
}
