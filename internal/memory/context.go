package memory

import "strings"

// FormatContext joins the content of ranked records, one per line.
func FormatContext(results []*ScoredRecord) string {
	if len(results) == 0 {
		return ""
	}
	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(r.Record.Content)
	}
	return b.String()
}
