// SPDX-License-Identifier: Apache-2.0

//go:build !windows

// mock-auth-dialog is a stand-in VPN auth-dialog used during development and
// testing on machines without real VPN plugins. Point a plugin .name file's
// auth-dialog key at it.
//
// Protocol: identical to a plugin's auth-dialog. It reads the connection's
// data and secrets from stdin up to DONE, writes the secrets as alternating
// key and value lines followed by two blank lines, then waits for QUIT.
//
// Environment:
//
//	MOCK_AUTH_DIALOG_SECRETS  secrets to answer with, as key=value;key=value
//	MOCK_AUTH_DIALOG_CANCEL   when 1, exit with status 1 without answering
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/akihiro/nm-secret-agent/internal/ipc"
)

var (
	errCanceled  = errors.New("canceled")
	errNoSecrets = errors.New("secrets required but interaction not allowed")
)

type options struct {
	uuid        string
	name        string
	service     string
	interactive bool
	reprompt    bool
	hints       []string
}

type hintList []string

func (h *hintList) String() string { return strings.Join(*h, ",") }

func (h *hintList) Set(v string) error {
	*h = append(*h, v)
	return nil
}

func parseArgs(args []string) (options, error) {
	var o options
	fs := flag.NewFlagSet("mock-auth-dialog", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&o.uuid, "u", "", "connection UUID")
	fs.StringVar(&o.name, "n", "", "connection name")
	fs.StringVar(&o.service, "s", "", "VPN service type")
	fs.BoolVar(&o.interactive, "i", false, "interaction allowed")
	fs.BoolVar(&o.reprompt, "r", false, "ask again even if secrets are known")
	fs.Var((*hintList)(&o.hints), "t", "secret hint (repeatable)")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if o.uuid == "" || o.name == "" || o.service == "" {
		return o, errors.New("-u, -n and -s are required")
	}
	return o, nil
}

func parseSecrets(s string) map[string]string {
	out := map[string]string{}
	for _, kv := range strings.Split(s, ";") {
		k, v, ok := strings.Cut(kv, "=")
		if ok && k != "" {
			out[k] = v
		}
	}
	return out
}

// answer picks the secrets to return: the known ones unless reprompting,
// then the configured ones, then a placeholder for every hinted key still
// missing.
func answer(o options, rec ipc.Record, getenv func(string) string) (map[string]string, error) {
	if getenv("MOCK_AUTH_DIALOG_CANCEL") == "1" {
		return nil, errCanceled
	}
	out := map[string]string{}
	if !o.reprompt {
		for k, v := range rec.Secrets {
			out[k] = v
		}
	}
	for k, v := range parseSecrets(getenv("MOCK_AUTH_DIALOG_SECRETS")) {
		out[k] = v
	}

	want := o.hints
	if len(want) == 0 && len(out) == 0 {
		want = []string{"password"}
	}
	for _, k := range want {
		if _, ok := out[k]; ok {
			continue
		}
		if !o.interactive {
			return nil, errNoSecrets
		}
		out[k] = "mock-" + k
	}
	return out, nil
}

func writeAnswer(w io.Writer, secrets map[string]string) error {
	keys := make([]string, 0, len(secrets))
	for k := range secrets {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s\n%s\n", k, secrets[k])
	}
	b.WriteString("\n\n")
	_, err := io.WriteString(w, b.String())
	return err
}

// waitQuit returns when QUIT arrives or the agent closes stdin.
func waitQuit(br *bufio.Reader) {
	for {
		s, err := br.ReadString('\n')
		if strings.TrimSuffix(s, "\n") == "QUIT" || err != nil {
			return
		}
	}
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer, getenv func(string) string) int {
	o, err := parseArgs(args)
	if err != nil {
		fmt.Fprintf(stderr, "mock-auth-dialog: %v\n", err)
		return 2
	}
	br := bufio.NewReader(stdin)
	rec, err := ipc.Decode(br)
	if err != nil {
		fmt.Fprintf(stderr, "mock-auth-dialog: read record: %v\n", err)
		return 1
	}
	secrets, err := answer(o, rec, getenv)
	if err != nil {
		fmt.Fprintf(stderr, "mock-auth-dialog: %s: %v\n", o.name, err)
		return 1
	}
	if err := writeAnswer(stdout, secrets); err != nil {
		fmt.Fprintf(stderr, "mock-auth-dialog: write answer: %v\n", err)
		return 1
	}
	waitQuit(br)
	return 0
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr, os.Getenv))
}
