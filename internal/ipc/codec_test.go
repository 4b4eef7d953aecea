// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"bufio"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeLayout(t *testing.T) {
	got := string(Encode(Record{
		Data:    map[string]string{"remote": "vpn.example.com", "auth": "password"},
		Secrets: map[string]string{"password": "hunter2"},
	}))

	want := "DATA_KEY=auth\n" +
		"DATA_VAL=password\n" +
		"DATA_KEY=remote\n" +
		"DATA_VAL=vpn.example.com\n" +
		"SECRET_KEY=password\n" +
		"SECRET_VAL=hunter2\n" +
		"DONE\n\n"
	assert.Equal(t, want, got)
}

func TestEncodeEmptyRecord(t *testing.T) {
	assert.Equal(t, Terminator, string(Encode(Record{})))
}

func TestEncodeFlattensNewlines(t *testing.T) {
	got := string(Encode(Record{Data: map[string]string{"banner": "line one\nline two\n"}}))
	assert.Contains(t, got, "DATA_VAL=line one line two \n")
	// Every value occupies exactly one physical line.
	assert.Equal(t, 4, strings.Count(got, "\n"))
}

func TestAccumulatorDoubleBlank(t *testing.T) {
	var a Accumulator
	var quits int
	for _, line := range []string{"K1", "V1", "", ""} {
		if a.Feed(line) {
			quits++
		}
	}
	assert.Equal(t, 1, quits)
	assert.True(t, a.Finished())
	assert.Equal(t, []string{"K1", "V1"}, a.Lines())

	// Further blanks must not ask for a second QUIT.
	assert.False(t, a.Feed(""))
	assert.False(t, a.Feed(""))
	assert.False(t, a.Feed("late"))
	assert.Equal(t, []string{"K1", "V1"}, a.Lines())
}

func TestAccumulatorBlankCountIsConsecutive(t *testing.T) {
	var a Accumulator
	assert.False(t, a.Feed("user"))
	assert.False(t, a.Feed(""))
	assert.False(t, a.Feed("alice"))
	assert.False(t, a.Feed(""))
	assert.False(t, a.Finished())
	assert.True(t, a.Feed(""))
}

func TestAccumulatorPairsOddDropsTrailing(t *testing.T) {
	var a Accumulator
	for _, l := range []string{"password", "s3cret", "otp"} {
		a.Feed(l)
	}
	assert.Equal(t, map[string]string{"password": "s3cret"}, a.Pairs())
}

func TestAccumulatorPairsStripsTags(t *testing.T) {
	var a Accumulator
	for _, l := range []string{"DATA_KEY=foo", "DATA_VAL=bar", "", ""} {
		a.Feed(l)
	}
	assert.Equal(t, map[string]string{"foo": "bar"}, a.Pairs())
}

func TestAccumulatorReset(t *testing.T) {
	var a Accumulator
	a.Feed("x")
	a.Feed("")
	a.Feed("")
	a.Reset()
	assert.False(t, a.Finished())
	assert.Empty(t, a.Lines())
}

func TestRoundTripThroughEcho(t *testing.T) {
	rec := Record{
		Data:    map[string]string{"gateway": "gw.example.org", "note": "multi\nline"},
		Secrets: map[string]string{"password": "p@ss", "cert-pass": "x"},
	}
	encoded := string(Encode(rec))

	// An echoing helper forwards the key/value lines and then ends its answer.
	body := strings.TrimSuffix(encoded, Terminator)
	echo := body + "\n\n"

	var a Accumulator
	quits := 0
	require.NoError(t, ReadLines(strings.NewReader(echo), func(line string) {
		if a.Feed(line) {
			quits++
		}
	}))
	assert.Equal(t, 1, quits)

	want := map[string]string{
		"gateway":   "gw.example.org",
		"note":      "multi line",
		"password":  "p@ss",
		"cert-pass": "x",
	}
	assert.Equal(t, want, a.Pairs())
}

func TestReadLinesFinalFragment(t *testing.T) {
	var got []string
	require.NoError(t, ReadLines(strings.NewReader("a\n\nb"), func(l string) { got = append(got, l) }))
	assert.Equal(t, []string{"a", "", "b"}, got)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("boom") }

func TestReadLinesError(t *testing.T) {
	err := ReadLines(failingReader{}, func(string) {})
	assert.EqualError(t, err, "boom")
}

func TestDecodeReadsEncodedRecord(t *testing.T) {
	in := Record{
		Data:    map[string]string{"remote": "gw", "auth": "password"},
		Secrets: map[string]string{"password": "hunter2"},
	}
	br := bufio.NewReader(strings.NewReader(string(Encode(in)) + "QUIT\n\n"))
	got, err := Decode(br)
	require.NoError(t, err)
	assert.Equal(t, in, got)

	rest, _ := io.ReadAll(br)
	assert.Equal(t, "\nQUIT\n\n", string(rest), "Decode stops after the DONE line")
}

func TestDecodeUnterminated(t *testing.T) {
	got, err := Decode(strings.NewReader("DATA_KEY=remote\nDATA_VAL=gw\n"))
	assert.ErrorIs(t, err, ErrUnterminated)
	assert.Equal(t, map[string]string{"remote": "gw"}, got.Data)
}

func TestDecodeSkipsOrphanValues(t *testing.T) {
	got, err := Decode(strings.NewReader("DATA_VAL=orphan\nSECRET_KEY=otp\nSECRET_VAL=123\nnoise\nDONE\n"))
	require.NoError(t, err)
	assert.Empty(t, got.Data)
	assert.Equal(t, map[string]string{"otp": "123"}, got.Secrets)
}
