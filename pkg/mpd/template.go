package mpd

import (
	"fmt"
	"strconv"
	"strings"
)

// templateVars are the identifier values a SegmentTemplate URL may
// reference.
type templateVars struct {
	RepresentationID string
	Bandwidth        uint32
	Number           uint32
	Time             uint64
}

// expandTemplate substitutes $RepresentationID$, $Bandwidth$, $Number$,
// $Time$ and the width-formatted $Number%0Nd$/$Time%0Nd$ forms. $$ is a
// literal dollar. Unknown identifiers are kept verbatim so a broken
// manifest stays visible in the resulting URL instead of silently
// collapsing.
func expandTemplate(tpl string, v templateVars) string {
	parts := strings.Split(tpl, "$")
	var b strings.Builder
	for i, p := range parts {
		if i%2 == 0 {
			b.WriteString(p)
			continue
		}
		if i == len(parts)-1 {
			// unterminated $: not an identifier
			b.WriteByte('$')
			b.WriteString(p)
			continue
		}
		switch {
		case p == "":
			b.WriteByte('$')
		case p == "RepresentationID":
			b.WriteString(v.RepresentationID)
		case p == "Bandwidth":
			b.WriteString(strconv.FormatUint(uint64(v.Bandwidth), 10))
		case p == "Number" || strings.HasPrefix(p, "Number%"):
			b.WriteString(formatValue(strings.TrimPrefix(p, "Number"), uint64(v.Number)))
		case p == "Time" || strings.HasPrefix(p, "Time%"):
			b.WriteString(formatValue(strings.TrimPrefix(p, "Time"), v.Time))
		default:
			b.WriteByte('$')
			b.WriteString(p)
			b.WriteByte('$')
		}
	}
	return b.String()
}

// formatValue applies an optional %0Nd width tag.
func formatValue(format string, val uint64) string {
	if format == "" {
		return strconv.FormatUint(val, 10)
	}
	return fmt.Sprintf(format, val)
}
