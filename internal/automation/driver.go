// Package automation drives the editor a lesson is recorded in.
package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Driver performs editor actions. Implementations block until the action has
// been applied.
type Driver interface {
	// DispatchAction sends a key binding such as "cmd+d" or "Tab".
	DispatchAction(ctx context.Context, name string) error
	TypeText(ctx context.Context, text string) error
	InsertLine(ctx context.Context) error
	WaitForEditorFocus(ctx context.Context, file string, line int) error
	RunCommand(ctx context.Context, command string) error
	OpenFile(ctx context.Context, path string) error
}

// Call is one recorded driver invocation.
type Call struct {
	Op   string
	Arg  string
	Line int
}

func (c Call) String() string {
	switch {
	case c.Line > 0:
		return fmt.Sprintf("%s(%s:%d)", c.Op, c.Arg, c.Line)
	case c.Arg != "":
		return fmt.Sprintf("%s(%s)", c.Op, c.Arg)
	default:
		return c.Op + "()"
	}
}

// LogDriver logs and records each action instead of touching an editor.
// KeyDelay, when set, is spent per typed rune and per dispatched key so that
// dry runs take roughly as long as a real recording.
type LogDriver struct {
	KeyDelay time.Duration

	log   *slog.Logger
	mu    sync.Mutex
	calls []Call
}

func NewLogDriver(log *slog.Logger, keyDelay time.Duration) *LogDriver {
	return &LogDriver{
		KeyDelay: keyDelay,
		log:      log.With(slog.String("component", "automation")),
	}
}

// Calls returns a copy of everything recorded so far.
func (d *LogDriver) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Call, len(d.calls))
	copy(out, d.calls)
	return out
}

func (d *LogDriver) record(c Call) {
	d.mu.Lock()
	d.calls = append(d.calls, c)
	d.mu.Unlock()
	d.log.Debug("editor action", slog.String("op", c.Op), slog.String("arg", c.Arg), slog.Int("line", c.Line))
}

func (d *LogDriver) pause(ctx context.Context, n int) error {
	if d.KeyDelay <= 0 || n <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d.KeyDelay * time.Duration(n))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (d *LogDriver) DispatchAction(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("dispatch: empty key binding")
	}
	if err := d.pause(ctx, 1); err != nil {
		return err
	}
	d.record(Call{Op: "dispatch", Arg: name})
	return nil
}

func (d *LogDriver) TypeText(ctx context.Context, text string) error {
	if err := d.pause(ctx, len([]rune(text))); err != nil {
		return err
	}
	d.record(Call{Op: "type", Arg: text})
	return nil
}

func (d *LogDriver) InsertLine(ctx context.Context) error {
	if err := d.pause(ctx, 1); err != nil {
		return err
	}
	d.record(Call{Op: "insert_line"})
	return nil
}

func (d *LogDriver) WaitForEditorFocus(ctx context.Context, file string, line int) error {
	if file == "" || line <= 0 {
		return fmt.Errorf("focus: need file and positive line, got %q:%d", file, line)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	d.record(Call{Op: "focus", Arg: file, Line: line})
	return nil
}

func (d *LogDriver) RunCommand(ctx context.Context, command string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.record(Call{Op: "command", Arg: command})
	return nil
}

func (d *LogDriver) OpenFile(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.record(Call{Op: "open", Arg: path})
	return nil
}
