// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// Accumulator collects the lines a helper writes on stdout and detects the
// double blank line that marks the end of its answer.
type Accumulator struct {
	lines    []string
	blanks   int
	finished bool
}

// Feed consumes one line without its trailing newline. It reports true
// exactly once: when the second consecutive blank line arrives, at which
// point the caller should write QuitMessage to the helper. Lines arriving
// after that are ignored.
func (a *Accumulator) Feed(line string) bool {
	if a.finished {
		return false
	}
	if line == "" {
		a.blanks++
		if a.blanks == 2 {
			a.finished = true
			return true
		}
		return false
	}
	a.blanks = 0
	a.lines = append(a.lines, line)
	return false
}

// Finished reports whether the end-of-answer marker has been seen.
func (a *Accumulator) Finished() bool {
	return a.finished
}

// Lines returns a copy of the non-blank lines collected so far.
func (a *Accumulator) Lines() []string {
	return append([]string(nil), a.lines...)
}

// Pairs turns the collected lines into a map, taking them two at a time as
// key then value. A trailing unmatched line is dropped. Lines carrying one
// of the record tags (DATA_KEY=, SECRET_VAL=, ...) have the tag removed, so
// a helper that echoes its input yields the original pairs.
func (a *Accumulator) Pairs() map[string]string {
	out := make(map[string]string, len(a.lines)/2)
	for i := 0; i+1 < len(a.lines); i += 2 {
		out[stripTag(a.lines[i])] = stripTag(a.lines[i+1])
	}
	return out
}

// Reset drops everything collected.
func (a *Accumulator) Reset() {
	a.lines = nil
	a.blanks = 0
	a.finished = false
}

func stripTag(line string) string {
	for _, tag := range [...]string{TagDataKey, TagDataVal, TagSecretKey, TagSecretVal} {
		if rest, ok := strings.CutPrefix(line, tag+"="); ok {
			return rest
		}
	}
	return line
}

// ReadLines reads r until EOF and calls fn for every line, newline removed.
// A final fragment without a newline is delivered as a line of its own.
// It returns nil at EOF and the read error otherwise.
func ReadLines(r io.Reader, fn func(line string)) error {
	br := bufio.NewReader(r)
	for {
		s, err := br.ReadString('\n')
		if len(s) > 0 {
			fn(strings.TrimSuffix(s, "\n"))
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
