package collab

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// Step is one scripted response.
type Step struct {
	Output map[string]any `yaml:"output" json:"output,omitempty"`
	Error  string         `yaml:"error" json:"error,omitempty"`
}

// Scripted replays Steps in order and keeps repeating the last one.
type Scripted struct {
	ID    string
	Steps []Step

	mu    sync.Mutex
	calls int
}

func NewScripted(id string, steps ...Step) *Scripted {
	return &Scripted{ID: id, Steps: steps}
}

// Outputs builds a Scripted collaborator that returns outs in order.
func Outputs(id string, outs ...Output) *Scripted {
	steps := make([]Step, len(outs))
	for i, o := range outs {
		steps[i] = Step{Output: o}
	}
	return NewScripted(id, steps...)
}

func (s *Scripted) Name() string { return s.ID }

func (s *Scripted) Invoke(ctx context.Context, _ Input) (Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Steps) == 0 {
		return nil, fmt.Errorf("collaborator %s has no scripted steps", s.ID)
	}
	i := s.calls
	if i >= len(s.Steps) {
		i = len(s.Steps) - 1
	}
	s.calls++
	step := s.Steps[i]
	if step.Error != "" {
		return nil, errors.New(step.Error)
	}
	out := make(Output, len(step.Output))
	for k, v := range step.Output {
		out[k] = v
	}
	return out, nil
}

// Calls reports how many times the collaborator was invoked.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Script maps collaborator names to scripted steps. It is the file format
// behind `dl run exec --script`.
type Script struct {
	Collaborators map[string][]Step `yaml:"collaborators"`
}

func ParseScript(data []byte) (Script, error) {
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("parse script: %w", err)
	}
	if len(s.Collaborators) == 0 {
		return s, errors.New("script defines no collaborators")
	}
	return s, nil
}

func LoadScript(path string) (Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Script{}, err
	}
	return ParseScript(data)
}

// Collaborator returns a fresh Scripted collaborator for name.
func (s Script) Collaborator(name string) (Collaborator, bool) {
	steps, ok := s.Collaborators[name]
	if !ok {
		return nil, false
	}
	return NewScripted(name, steps...), true
}

// Names lists the scripted collaborators in sorted order.
func (s Script) Names() []string {
	names := make([]string, 0, len(s.Collaborators))
	for n := range s.Collaborators {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
