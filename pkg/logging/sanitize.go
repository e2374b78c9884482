// Package logging holds helpers for keeping log output free of mailbox
// contents and addresses. Protocol traffic and subjects go through these
// before reaching zerolog.
package logging

import (
	"strconv"
	"strings"
)

// MaskEmail masks the local part and domain labels of an address, keeping
// first and last characters so operators can still correlate accounts.
func MaskEmail(s string) string {
	s = strings.TrimSpace(s)
	at := strings.IndexByte(s, '@')
	if at <= 0 || at == len(s)-1 {
		return s
	}
	mask := func(part string) string {
		if len(part) <= 2 {
			return strings.Repeat("*", len(part))
		}
		return part[:1] + strings.Repeat("*", len(part)-2) + part[len(part)-1:]
	}
	labels := strings.Split(s[at+1:], ".")
	for i, l := range labels {
		labels[i] = mask(l)
	}
	return mask(s[:at]) + "@" + strings.Join(labels, ".")
}

// SummarizeIMAPData reduces raw protocol traffic to a byte count so debug
// logs never carry message bodies.
func SummarizeIMAPData(data string) string {
	if len(data) == 0 {
		return ""
	}
	return "bytes=" + strconv.Itoa(len(data))
}

// BoundAndClean strips control characters and bounds the length of
// arbitrary strings (subjects, server messages) for safe logging.
func BoundAndClean(s string, max int) string {
	s = strings.TrimSpace(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < 32 || r == 127 {
			continue
		}
		b.WriteRune(r)
	}
	out := b.String()
	if max <= 0 || len(out) <= max {
		return out
	}
	cut := max
	for cut > 0 && cut < len(out) && out[cut]&0xC0 == 0x80 {
		cut--
	}
	return out[:cut]
}
