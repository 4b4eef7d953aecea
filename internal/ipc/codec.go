// SPDX-License-Identifier: Apache-2.0

// Package ipc implements the line protocol spoken with VPN auth-dialog
// helpers over their standard input and output.
//
// The agent writes one record to the helper's stdin:
//
//	DATA_KEY=<name>
//	DATA_VAL=<value>
//	SECRET_KEY=<name>
//	SECRET_VAL=<value>
//	DONE
//	<blank line>
//
// The helper answers on stdout with key and value lines, alternating, and
// ends with two blank lines. The agent acknowledges with QUIT and a blank
// line, after which the helper exits.
package ipc

import (
	"bufio"
	"errors"
	"io"
	"slices"
	"strings"
)

// Line tags used in a serialized record.
const (
	TagDataKey   = "DATA_KEY"
	TagDataVal   = "DATA_VAL"
	TagSecretKey = "SECRET_KEY"
	TagSecretVal = "SECRET_VAL"
)

// Terminator ends a record written to the helper.
const Terminator = "DONE\n\n"

// QuitMessage is written to the helper once it signals it has finished.
const QuitMessage = "QUIT\n\n"

// Record is the part of a VPN connection handed to a helper: the plugin's
// data items and the secrets already known.
type Record struct {
	Data    map[string]string
	Secrets map[string]string
}

// Encode serializes r. Keys are emitted in sorted order so the output is
// stable; a newline inside a value becomes a single space.
func Encode(r Record) []byte {
	var b strings.Builder
	appendPairs(&b, TagDataKey, TagDataVal, r.Data)
	appendPairs(&b, TagSecretKey, TagSecretVal, r.Secrets)
	b.WriteString(Terminator)
	return []byte(b.String())
}

func appendPairs(b *strings.Builder, keyTag, valTag string, m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		appendLine(b, keyTag, k)
		appendLine(b, valTag, m[k])
	}
}

func appendLine(b *strings.Builder, tag, val string) {
	b.WriteString(tag)
	b.WriteByte('=')
	b.WriteString(strings.ReplaceAll(val, "\n", " "))
	b.WriteByte('\n')
}

// ErrUnterminated is returned by Decode when input ends before DONE.
var ErrUnterminated = errors.New("record ended before DONE")

// Decode reads one record as written by Encode, stopping at the DONE line.
// It is the helper side of the exchange. A value tag without a preceding key
// tag is ignored. Pass a *bufio.Reader to go on reading r after the record.
func Decode(r io.Reader) (Record, error) {
	rec := Record{Data: map[string]string{}, Secrets: map[string]string{}}
	var dataKey, secretKey string
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	for {
		s, err := br.ReadString('\n')
		line := strings.TrimSuffix(s, "\n")
		if line == "DONE" {
			return rec, nil
		}
		tag, val, _ := strings.Cut(line, "=")
		switch tag {
		case TagDataKey:
			dataKey = val
		case TagDataVal:
			if dataKey != "" {
				rec.Data[dataKey] = val
				dataKey = ""
			}
		case TagSecretKey:
			secretKey = val
		case TagSecretVal:
			if secretKey != "" {
				rec.Secrets[secretKey] = val
				secretKey = ""
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return rec, ErrUnterminated
			}
			return rec, err
		}
	}
}
