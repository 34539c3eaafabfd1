// Package lesson reads narrated editor lessons and plays them.
package lesson

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Lesson is a narrated recording: optional setup actions, then steps that
// each speak one line while their actions run.
type Lesson struct {
	Title string   `yaml:"title"`
	Setup []Action `yaml:"setup"`
	Steps []Step   `yaml:"steps"`
}

type Step struct {
	Say     string   `yaml:"say"`
	Actions []Action `yaml:"actions"`
}

// Action is one editor action; exactly one of its kinds is set.
type Action struct {
	Dispatch   string `yaml:"dispatch,omitempty"`
	Repeat     int    `yaml:"repeat,omitempty"`
	Type       string `yaml:"type,omitempty"`
	InsertLine bool   `yaml:"insert_line,omitempty"`
	Focus      *Focus `yaml:"focus,omitempty"`
	Command    string `yaml:"command,omitempty"`
	Open       string `yaml:"open,omitempty"`
}

type Focus struct {
	File string `yaml:"file"`
	Line int    `yaml:"line"`
}

// Kind names the action for logs and errors.
func (a Action) Kind() string {
	switch {
	case a.Dispatch != "":
		return "dispatch"
	case a.Type != "":
		return "type"
	case a.InsertLine:
		return "insert_line"
	case a.Focus != nil:
		return "focus"
	case a.Command != "":
		return "command"
	case a.Open != "":
		return "open"
	default:
		return ""
	}
}

func (a Action) validate() error {
	set := 0
	for _, ok := range []bool{a.Dispatch != "", a.Type != "", a.InsertLine, a.Focus != nil, a.Command != "", a.Open != ""} {
		if ok {
			set++
		}
	}
	switch {
	case set == 0:
		return errors.New("action has no kind")
	case set > 1:
		return errors.New("action sets more than one kind")
	case a.Repeat < 0:
		return fmt.Errorf("repeat must be >= 0, got %d", a.Repeat)
	case a.Repeat > 0 && a.Dispatch == "":
		return errors.New("repeat only applies to dispatch")
	case a.Focus != nil && (a.Focus.File == "" || a.Focus.Line <= 0):
		return fmt.Errorf("focus needs file and positive line, got %q:%d", a.Focus.File, a.Focus.Line)
	}
	return nil
}

// Load reads a lesson file.
func Load(path string) (*Lesson, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	l, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("lesson %s: %w", path, err)
	}
	return l, nil
}

// Parse decodes and validates a lesson. Unknown keys are rejected.
func Parse(data []byte) (*Lesson, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var l Lesson
	if err := dec.Decode(&l); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return &l, nil
}

func (l *Lesson) Validate() error {
	if len(l.Steps) == 0 {
		return errors.New("lesson has no steps")
	}
	for i, a := range l.Setup {
		if err := a.validate(); err != nil {
			return fmt.Errorf("setup action %d: %w", i, err)
		}
	}
	for i, s := range l.Steps {
		if strings.TrimSpace(s.Say) == "" {
			return fmt.Errorf("step %d: say is empty", i)
		}
		for j, a := range s.Actions {
			if err := a.validate(); err != nil {
				return fmt.Errorf("step %d action %d: %w", i, j, err)
			}
		}
	}
	return nil
}

// Lines returns the spoken text of every step, in order.
func (l *Lesson) Lines() []string {
	out := make([]string, len(l.Steps))
	for i, s := range l.Steps {
		out[i] = s.Say
	}
	return out
}
