// Package cli implements the small pieces of the command-line surface that
// carry actual logic worth unit testing, as opposed to flag wiring and
// process bookkeeping better left in cmd/lognotd itself.
package cli

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
)

// Retest backs the `--retest <regex>` developer aid: read r line by line,
// apply pattern to each line, and write one block per line to w, either
// "0: <full match>", "1: <group 1>", etc. for a match, or a single
// "<no match>" line otherwise. Blocks are separated by a blank line so the
// output stays scriptable even though match count varies from line to line.
func Retest(w io.Writer, r io.Reader, pattern *regexp.Regexp) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)

	first := true
	for scanner.Scan() {
		if !first {
			if _, err := fmt.Fprintln(w); err != nil {
				return err
			}
		}
		first = false

		caps := pattern.FindStringSubmatch(scanner.Text())
		if caps == nil {
			if _, err := fmt.Fprintln(w, "<no match>"); err != nil {
				return err
			}
			continue
		}
		for i, c := range caps {
			if _, err := fmt.Fprintf(w, "%d: %s\n", i, c); err != nil {
				return err
			}
		}
	}
	return scanner.Err()
}
