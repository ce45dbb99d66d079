package monitor

import (
	"strconv"
	"strings"
)

// escapeSentinel stands in for an escaped '$' (written "\$" in an action
// template) while substitution runs, so a literal "\$" in the template never
// gets mistaken for a substitution token and its replacement is never itself
// re-scanned for further "$N"/"$@" tokens. It is unescaped back to "$" in a
// final pass once substitution is complete.
const escapeSentinel = '\x00'

// Preprocess expands an action template against a matched line and its
// capture groups, in a single left-to-right scan:
//
//   - "$0" expands to the whole match (captures[0])
//   - "$N" (N a decimal integer, any number of digits) expands to the
//     corresponding capture group, or a single space if the rule's pattern
//     did not have that many groups
//   - "$@" expands to the full, unprocessed input line
//   - "\$" expands to a literal "$" and is never itself substituted into
//   - any other "$" (not followed by a digit or "@") is copied through as-is
//
// Because the scan is single-pass and left-to-right, text introduced by a
// substitution (e.g. a "$1" in the matched capture itself) is never
// re-expanded.
func Preprocess(action, line string, captures []string) string {
	var b strings.Builder
	b.Grow(len(action))

	for i := 0; i < len(action); i++ {
		c := action[i]
		switch {
		case c == '\\' && i+1 < len(action) && action[i+1] == '$':
			b.WriteByte(escapeSentinel)
			i++
		case c == '$' && i+1 < len(action):
			next := action[i+1]
			switch {
			case next >= '0' && next <= '9':
				j := i + 1
				for j < len(action) && action[j] >= '0' && action[j] <= '9' {
					j++
				}
				idx, err := strconv.Atoi(action[i+1 : j])
				if err == nil && idx < len(captures) {
					b.WriteString(captures[idx])
				} else {
					b.WriteByte(' ')
				}
				i = j - 1
			case next == '@':
				b.WriteString(line)
				i++
			default:
				b.WriteByte(c)
			}
		default:
			b.WriteByte(c)
		}
	}

	return strings.ReplaceAll(b.String(), string(rune(escapeSentinel)), "$")
}
