package drain

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/AlecAivazis/survey/v2/terminal"
	"github.com/stretchr/testify/require"

	"github.com/mpg-foss/autofoss/controller/modules/gator"
	"github.com/mpg-foss/autofoss/controller/modules/scale"
	"github.com/mpg-foss/autofoss/controller/prompts"
	"github.com/mpg-foss/autofoss/controller/registry"
	"github.com/mpg-foss/autofoss/controller/storage"
)

type events struct {
	mu  sync.Mutex
	log []string
}

func (e *events) add(s string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.log = append(e.log, s)
}

func (e *events) all() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.log...)
}

func (e *events) index(s string) int {
	for i, v := range e.all() {
		if v == s {
			return i
		}
	}
	return -1
}

func (e *events) count(s string) int {
	n := 0
	for _, v := range e.all() {
		if v == s {
			n++
		}
	}
	return n
}

type fakePower struct {
	ev *events
}

func (p *fakePower) Start() error  { p.ev.add("power start"); return nil }
func (p *fakePower) Stop() error   { p.ev.add("power stop"); return nil }
func (p *fakePower) Reset() error  { p.ev.add("power reset"); return nil }
func (p *fakePower) Pause() error  { p.ev.add("power pause"); return nil }
func (p *fakePower) Resume() error { p.ev.add("power resume"); return nil }

// fakeScale ends each drain with the next planned reason. With nothing
// planned the drain runs until finish or Stop is called.
type fakeScale struct {
	ev     *events
	mu     sync.Mutex
	done   chan struct{}
	reason scale.Reason
	plan   []scale.Reason
	weight float64
}

func newFakeScale(ev *events, plan ...scale.Reason) *fakeScale {
	done := make(chan struct{})
	close(done)
	return &fakeScale{ev: ev, done: done, plan: plan, weight: 4.2}
}

func (s *fakeScale) Start() error {
	s.ev.add("scale start")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = make(chan struct{})
	s.reason = scale.Running
	if len(s.plan) > 0 {
		r := s.plan[0]
		s.plan = s.plan[1:]
		s.endLocked(r)
	}
	return nil
}

func (s *fakeScale) Stop() error {
	s.ev.add("scale stop")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endLocked(scale.Stopped)
	return nil
}

func (s *fakeScale) Reset() error { s.ev.add("scale reset"); return nil }

func (s *fakeScale) endLocked(r scale.Reason) {
	select {
	case <-s.done:
	default:
		s.reason = r
		close(s.done)
	}
}

func (s *fakeScale) finish(r scale.Reason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endLocked(r)
}

func (s *fakeScale) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *fakeScale) Reason() scale.Reason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func (s *fakeScale) Wait(ctx context.Context) (scale.Reason, error) {
	select {
	case <-s.Done():
		return s.Reason(), nil
	case <-ctx.Done():
		return scale.Running, ctx.Err()
	}
}

func (s *fakeScale) Weight() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.weight
}

type fakeGator struct {
	ev       *events
	samples  int
	startErr error
}

func (g *fakeGator) Start() error {
	g.ev.add("gator start")
	return g.startErr
}
func (g *fakeGator) Stop() error  { g.ev.add("gator stop"); return nil }
func (g *fakeGator) Reset() error { g.ev.add("gator reset"); return nil }

func (g *fakeGator) Samples() []gator.Sample {
	out := make([]gator.Sample, g.samples)
	for i := range out {
		out[i].Elapsed = float64(i)
	}
	return out
}

func (g *fakeGator) SampleCount() int { return g.samples }

// fakeRefiller completes each wait with ok unless block is set, in which
// case the wait lasts until release is closed or ctx ends.
type fakeRefiller struct {
	ev      *events
	ok      bool
	block   bool
	release chan struct{}
	waiting chan struct{}
	once    sync.Once
	err     error
}

func newFakeRefiller(ev *events, ok bool) *fakeRefiller {
	return &fakeRefiller{ev: ev, ok: ok, release: make(chan struct{}), waiting: make(chan struct{})}
}

func (f *fakeRefiller) Start() error { f.ev.add("refill start"); return nil }
func (f *fakeRefiller) Stop() error  { return nil }
func (f *fakeRefiller) Reset() error { return nil }

func (f *fakeRefiller) WaitForRefill(ctx context.Context, timeout time.Duration) bool {
	if !f.block {
		return f.ok
	}
	f.once.Do(func() { close(f.waiting) })
	select {
	case <-f.release:
		return f.ok
	case <-ctx.Done():
		return false
	}
}

func (f *fakeRefiller) Progress() float64 { return 50 }

func (f *fakeRefiller) Err() error { return f.err }

type fakeWriter struct {
	mu     sync.Mutex
	writes [][]gator.Sample
	err    error
	// stuck makes Write wait for its context, like an operator who never
	// answers the retry question
	stuck bool
	// interrupted fails like an operator pressing CTRL-C at the retry question
	interrupted bool
}

func (w *fakeWriter) Write(ctx context.Context, samples []gator.Sample) (string, error) {
	if w.stuck {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if w.interrupted {
		return "", fmt.Errorf("retry prompt: %w", terminal.InterruptErr)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return "", w.err
	}
	w.writes = append(w.writes, samples)
	return fmt.Sprintf("run-%d.csv", len(w.writes)), nil
}

func (w *fakeWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.writes)
}

type rig struct {
	ev     *events
	reg    *registry.Registry
	power  *fakePower
	scale  *fakeScale
	gator  *fakeGator
	refill *fakeRefiller
	writer *fakeWriter
	store  storage.Store
	prompt *prompts.MockPrompt
}

func newRig(t *testing.T, plan ...scale.Reason) *rig {
	ev := &events{}
	r := &rig{
		ev:     ev,
		reg:    registry.New(),
		power:  &fakePower{ev: ev},
		scale:  newFakeScale(ev, plan...),
		gator:  &fakeGator{ev: ev, samples: 25},
		refill: newFakeRefiller(ev, true),
		writer: &fakeWriter{},
		prompt: prompts.NewMock(),
	}
	require.NoError(t, r.reg.Add("power", r.power, 0))
	require.NoError(t, r.reg.Add("gator", r.gator, 1))
	require.NoError(t, r.reg.Add("scale", r.scale, 2))
	require.NoError(t, r.reg.Add("refill", r.refill, -1))
	s, err := storage.New(filepath.Join(t.TempDir(), "autofoss.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	r.store = s
	return r
}

func (r *rig) orchestrator(t *testing.T, c Config) *Orchestrator {
	o, err := New(c, r.reg, Options{
		Store:  r.store,
		Writer: r.writer,
		Prompt: r.prompt,
		Out:    &discard{},
	})
	require.NoError(t, err)
	return o
}

type discard struct{}

func (discard) Write(b []byte) (int, error) { return len(b), nil }

type result struct {
	code int
	err  error
}

func start(ctx context.Context, o *Orchestrator) <-chan result {
	ch := make(chan result, 1)
	go func() {
		code, err := o.Run(ctx)
		ch <- result{code: code, err: err}
	}()
	return ch
}

func wait(t *testing.T, ch <-chan result) result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("orchestrator did not finish")
	}
	return result{}
}

func waitState(t *testing.T, o *Orchestrator, s State) {
	t.Helper()
	require.Eventually(t, func() bool { return o.State() == s }, 2*time.Second, 2*time.Millisecond)
}

var errBoom = errors.New("boom")
