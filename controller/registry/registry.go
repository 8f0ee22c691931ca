// Package registry keeps the rig's hardware components by name and drives
// their lifecycle in priority order.
//
// Bulk start runs in ascending priority, bulk stop in the exact reverse of
// that order. Components registered with a negative priority are skipped by
// both and must be driven by name.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// Component is a piece of rig hardware with its own lifecycle.
type Component interface {
	Start() error
	Stop() error
	Reset() error
}

// Pauser is implemented by components that can power down temporarily
// while remembering their state.
type Pauser interface {
	Pause() error
}

// Resumer restores what Pause saved.
type Resumer interface {
	Resume() error
}

// DuplicateNameError is returned when a name is registered twice.
type DuplicateNameError struct {
	Name string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("component %q already registered", e.Name)
}

// UnknownComponentError is returned when a name was never registered.
type UnknownComponentError struct {
	Name string
}

func (e *UnknownComponentError) Error() string {
	return fmt.Sprintf("component %q not registered", e.Name)
}

type entry struct {
	name      string
	component Component
	priority  int
	seq       int
}

// Registry maps component names to components and priorities.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	seq     int
}

func New() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Add registers c under name. Lower priorities start first and stop last.
func (r *Registry) Add(name string, c Component, priority int) error {
	if name == "" {
		return errors.New("component name cannot be empty")
	}
	if c == nil {
		return fmt.Errorf("component %q is nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; ok {
		return &DuplicateNameError{Name: name}
	}
	r.entries[name] = &entry{name: name, component: c, priority: priority, seq: r.seq}
	r.seq++
	return nil
}

func (r *Registry) Get(name string) (Component, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, &UnknownComponentError{Name: name}
	}
	return e.component, nil
}

// Priority returns the priority name was registered with.
func (r *Registry) Priority(name string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return 0, &UnknownComponentError{Name: name}
	}
	return e.priority, nil
}

// Names lists registered components in registration order.
func (r *Registry) Names() []string {
	all := r.sorted(func(a, b *entry) bool { return a.seq < b.seq })
	names := make([]string, len(all))
	for i, e := range all {
		names[i] = e.name
	}
	return names
}

// StartOrder is the order StartAll uses: ascending priority, registration
// order on ties, negative priorities excluded.
func (r *Registry) StartOrder() []string {
	var names []string
	for _, e := range r.startOrder() {
		names = append(names, e.name)
	}
	return names
}

// StartAll starts every non-negative priority component in StartOrder. It
// stops at the first failure.
func (r *Registry) StartAll() error {
	for _, e := range r.startOrder() {
		logrus.Debugf("Starting component %s (priority %d)", e.name, e.priority)
		if err := e.component.Start(); err != nil {
			return fmt.Errorf("start %s: %w", e.name, err)
		}
	}
	return nil
}

// StopAll stops every non-negative priority component in the reverse of
// StartOrder. All components are asked to stop; failures are combined.
func (r *Registry) StopAll() error {
	order := r.startOrder()
	var err error
	for i := len(order) - 1; i >= 0; i-- {
		e := order[i]
		logrus.Debugf("Stopping component %s (priority %d)", e.name, e.priority)
		if sErr := e.component.Stop(); sErr != nil {
			err = multierr.Append(err, fmt.Errorf("stop %s: %w", e.name, sErr))
		}
	}
	return err
}

// Start starts the named components in the given order.
func (r *Registry) Start(names ...string) error {
	entries, err := r.lookup(names)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := e.component.Start(); err != nil {
			return fmt.Errorf("start %s: %w", e.name, err)
		}
	}
	return nil
}

// Stop stops the named components in the given order. Every component is
// asked to stop even if an earlier one failed.
func (r *Registry) Stop(names ...string) error {
	entries, err := r.lookup(names)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if sErr := e.component.Stop(); sErr != nil {
			err = multierr.Append(err, fmt.Errorf("stop %s: %w", e.name, sErr))
		}
	}
	return err
}

// ResetAll resets every registered component, negative priorities included.
func (r *Registry) ResetAll() error {
	var err error
	for _, e := range r.sorted(func(a, b *entry) bool { return a.seq < b.seq }) {
		if rErr := e.component.Reset(); rErr != nil {
			err = multierr.Append(err, fmt.Errorf("reset %s: %w", e.name, rErr))
		}
	}
	return err
}

// PauseAll pauses every component that supports it, regardless of
// priority, highest priority first.
func (r *Registry) PauseAll() error {
	all := r.sorted(byPriority)
	var err error
	for i := len(all) - 1; i >= 0; i-- {
		p, ok := all[i].component.(Pauser)
		if !ok {
			continue
		}
		if pErr := p.Pause(); pErr != nil {
			err = multierr.Append(err, fmt.Errorf("pause %s: %w", all[i].name, pErr))
		}
	}
	return err
}

// ResumeAll resumes every component that supports it, lowest priority first.
func (r *Registry) ResumeAll() error {
	var err error
	for _, e := range r.sorted(byPriority) {
		res, ok := e.component.(Resumer)
		if !ok {
			continue
		}
		if rErr := res.Resume(); rErr != nil {
			err = multierr.Append(err, fmt.Errorf("resume %s: %w", e.name, rErr))
		}
	}
	return err
}

func (r *Registry) lookup(names []string) ([]*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := make([]*entry, 0, len(names))
	for _, n := range names {
		e, ok := r.entries[n]
		if !ok {
			return nil, &UnknownComponentError{Name: n}
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (r *Registry) startOrder() []*entry {
	var order []*entry
	for _, e := range r.sorted(byPriority) {
		if e.priority < 0 {
			continue
		}
		order = append(order, e)
	}
	return order
}

func byPriority(a, b *entry) bool {
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	return a.seq < b.seq
}

func (r *Registry) sorted(less func(a, b *entry) bool) []*entry {
	r.mu.RLock()
	all := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		all = append(all, e)
	}
	r.mu.RUnlock()
	sort.Slice(all, func(i, j int) bool { return less(all[i], all[j]) })
	return all
}
