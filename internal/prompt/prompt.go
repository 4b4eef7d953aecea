// SPDX-License-Identifier: Apache-2.0

// Package prompt asks the user for secrets that are not handled by a VPN
// helper: Wi-Fi keys, 802.1X and PPPoE passwords, mobile broadband PINs.
package prompt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/akihiro/nm-secret-agent/internal/request"
)

// Field is one value to ask for.
type Field struct {
	// Key is the setting key the answer is stored under.
	Key   string
	Label string
	// Secret values are read without echo.
	Secret bool
	// Value is shown as the default for non-secret fields.
	Value string
}

// Request describes one prompt.
type Request struct {
	Title        string
	Message      string
	ConnectionID string
	// SettingName is the setting the answers belong to.
	SettingName string
	Fields      []Field
}

// Prompter collects answers for a Request. Prompt blocks until the user
// answers, dismisses the prompt (request.ErrUserCanceled) or ctx ends.
type Prompter interface {
	Prompt(ctx context.Context, req Request) (map[string]string, error)
}

// Console prompts on the controlling terminal. Prompts are shown one at a
// time.
type Console struct {
	sem     chan struct{}
	open    func() (io.ReadWriteCloser, error)
	heading *color.Color
}

// NewConsole returns a prompter that uses /dev/tty.
func NewConsole() *Console {
	return &Console{
		sem:     make(chan struct{}, 1),
		open:    openTTY,
		heading: color.New(color.FgCyan, color.Bold),
	}
}

// Prompt implements Prompter.
func (c *Console) Prompt(ctx context.Context, req Request) (map[string]string, error) {
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-c.sem }()

	rw, err := c.open()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", request.ErrFailed, err)
	}
	defer rw.Close()

	type result struct {
		values map[string]string
		err    error
	}
	done := make(chan result, 1)
	go func() {
		values, err := c.ask(rw, req)
		done <- result{values, err}
	}()

	select {
	case r := <-done:
		return r.values, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Console) ask(rw io.ReadWriter, req Request) (map[string]string, error) {
	t := term.NewTerminal(rw, "")
	fmt.Fprintln(t, c.heading.Sprint(req.Title))
	if req.Message != "" {
		fmt.Fprintln(t, req.Message)
	}

	values := make(map[string]string, len(req.Fields))
	for _, f := range req.Fields {
		var (
			v   string
			err error
		)
		if f.Secret {
			v, err = t.ReadPassword(f.Label + ": ")
		} else {
			p := f.Label + ": "
			if f.Value != "" {
				p = fmt.Sprintf("%s [%s]: ", f.Label, f.Value)
			}
			t.SetPrompt(p)
			v, err = t.ReadLine()
			if err == nil && v == "" {
				v = f.Value
			}
		}
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: prompt dismissed", request.ErrUserCanceled)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: reading %s: %v", request.ErrFailed, f.Key, err)
		}
		values[f.Key] = v
	}
	return values, nil
}

// rawTTY restores the terminal mode when closed.
type rawTTY struct {
	*os.File
	state *term.State
}

func (t *rawTTY) Close() error {
	_ = term.Restore(int(t.Fd()), t.state)
	return t.File.Close()
}

func openTTY() (io.ReadWriteCloser, error) {
	f, err := os.OpenFile("/dev/tty", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open terminal: %w", err)
	}
	state, err := term.MakeRaw(int(f.Fd()))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("set raw mode: %w", err)
	}
	return &rawTTY{File: f, state: state}, nil
}
