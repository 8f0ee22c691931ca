package drain

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
	"github.com/teambition/rrule-go"
	"golang.org/x/sync/errgroup"

	"github.com/mpg-foss/autofoss/controller/modules/gator"
	"github.com/mpg-foss/autofoss/controller/modules/scale"
	"github.com/mpg-foss/autofoss/controller/prompts"
	"github.com/mpg-foss/autofoss/controller/registry"
	"github.com/mpg-foss/autofoss/controller/storage"
)

// Process exit codes returned by Run.
const (
	ExitOK      = 0
	ExitAborted = 1
	ExitForced  = 128
)

type State int

const (
	Idle State = iota
	Recording
	ShuttingDown
	Refilling
	Terminal
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Recording:
		return "recording"
	case ShuttingDown:
		return "shutting_down"
	case Refilling:
		return "refilling"
	case Terminal:
		return "terminal"
	}
	return "unknown"
}

// Monitor is the scale as seen by the orchestrator.
type Monitor interface {
	registry.Component
	Wait(ctx context.Context) (scale.Reason, error)
	Weight() float64
}

// Sampler is the gator as seen by the orchestrator.
type Sampler interface {
	registry.Component
	Samples() []gator.Sample
	SampleCount() int
}

// Refiller is the refill procedure as seen by the orchestrator.
type Refiller interface {
	registry.Component
	WaitForRefill(ctx context.Context, timeout time.Duration) bool
	Progress() float64
}

// Writer persists the samples of one drain and returns where they went. It
// must stop asking for retries once ctx is done.
type Writer interface {
	Write(ctx context.Context, samples []gator.Sample) (string, error)
}

type Telemetry interface {
	EmitMetric(module, name string, v float64)
}

// Options carries the orchestrator collaborators that are not components.
type Options struct {
	Store     storage.Store
	Writer    Writer
	Prompt    prompts.Prompt
	Telemetry Telemetry
	// Out receives the intervention banner, os.Stderr when nil
	Out io.Writer
}

// Status is a snapshot of the orchestrator served by the API.
type Status struct {
	State          string  `json:"state"`
	Mode           Mode    `json:"mode"`
	Interrupted    bool    `json:"interrupted"`
	Forced         bool    `json:"forced"`
	JumpToRefill   bool    `json:"jump_to_refill"`
	Drains         int     `json:"drains"`
	Weight         float64 `json:"weight"`
	Samples        int     `json:"samples"`
	RefillProgress float64 `json:"refill_progress"`
	Intervention   string  `json:"intervention,omitempty"`
}

// Orchestrator runs the drain cycle over the components of a registry.
type Orchestrator struct {
	config   Config
	reg      *registry.Registry
	store    storage.Store
	writer   Writer
	prompt   prompts.Prompt
	tel      Telemetry
	out      io.Writer
	rule     *rrule.RRule
	monitor  Monitor
	sampler  Sampler
	refiller Refiller

	mu            sync.Mutex
	state         State
	interrupted   bool
	forceShutdown bool
	jumpToRefill  bool
	interruptCh   chan struct{}
	forceCh       chan struct{}
	drains        int
	intervention  string
	logs          []string
}

// New validates config, resolves the collaborators through reg and prepares
// the buckets.
func New(config Config, reg *registry.Registry, opts Options) (*Orchestrator, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("drain: store is required")
	}
	rule, err := ParseSchedule(config.Schedule)
	if err != nil {
		return nil, err
	}
	if _, err := reg.Get(config.Power); err != nil {
		return nil, err
	}
	o := &Orchestrator{
		config:      config,
		reg:         reg,
		store:       opts.Store,
		writer:      opts.Writer,
		prompt:      opts.Prompt,
		tel:         opts.Telemetry,
		out:         opts.Out,
		rule:        rule,
		interruptCh: make(chan struct{}),
		forceCh:     make(chan struct{}),
	}
	if o.out == nil {
		o.out = os.Stderr
	}
	if o.prompt == nil {
		o.prompt = prompts.New(true)
	}
	if err := lookup(reg, config.Scale, &o.monitor); err != nil {
		return nil, err
	}
	if err := lookup(reg, config.Gator, &o.sampler); err != nil {
		return nil, err
	}
	if err := lookup(reg, config.Refill, &o.refiller); err != nil {
		return nil, err
	}
	if config.LogGator && o.writer == nil {
		return nil, fmt.Errorf("drain: gator logging enabled without a writer")
	}
	for _, b := range []string{Bucket, RunsBucket} {
		if err := o.store.CreateBucket(b); err != nil {
			return nil, err
		}
	}
	o.jumpToRefill = config.Mode == RefillFirst || config.Mode == RefillOnly
	return o, nil
}

func lookup[T any](reg *registry.Registry, name string, into *T) error {
	c, err := reg.Get(name)
	if err != nil {
		return err
	}
	t, ok := c.(T)
	if !ok {
		return fmt.Errorf("component %s has type %T, which cannot serve as %T", name, c, into)
	}
	*into = t
	return nil
}

// Setup stores the effective configuration.
func (o *Orchestrator) Setup() error {
	cfg := o.config
	if cfg.ID == "" {
		cfg.ID = "default"
	}
	return o.store.Put(Bucket, cfg.ID, &cfg)
}

// Interrupt escalates an operator stop request. The first call lets the
// running drain finish and ends the cycle afterwards, the second forces an
// immediate shutdown.
func (o *Orchestrator) Interrupt() {
	o.mu.Lock()
	first := !o.interrupted
	if first {
		o.interrupted = true
		close(o.interruptCh)
	}
	o.mu.Unlock()
	if first {
		o.appendLog("Interrupt received, the cycle ends after the current step. Interrupt again to force a shutdown")
		return
	}
	o.force()
}

func (o *Orchestrator) force() {
	o.mu.Lock()
	if o.forceShutdown {
		o.mu.Unlock()
		return
	}
	o.forceShutdown = true
	if !o.interrupted {
		o.interrupted = true
		close(o.interruptCh)
	}
	close(o.forceCh)
	o.mu.Unlock()
	o.appendLog("Forced shutdown requested")
}

// RequestRefill makes the next cycle refill before recording.
func (o *Orchestrator) RequestRefill() {
	o.mu.Lock()
	o.jumpToRefill = true
	o.mu.Unlock()
	o.appendLog("Refill requested for the next cycle")
}

func (o *Orchestrator) flags() (interrupted, forced bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.interrupted, o.forceShutdown
}

func (o *Orchestrator) completed() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.drains
}

func (o *Orchestrator) takeJump() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	j := o.jumpToRefill
	o.jumpToRefill = false
	return j
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
	o.emit("state", float64(s))
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	s := Status{
		State:        o.state.String(),
		Mode:         o.config.Mode,
		Interrupted:  o.interrupted,
		Forced:       o.forceShutdown,
		JumpToRefill: o.jumpToRefill,
		Drains:       o.drains,
		Intervention: o.intervention,
	}
	o.mu.Unlock()
	s.Weight = o.monitor.Weight()
	s.Samples = o.sampler.SampleCount()
	s.RefillProgress = o.refiller.Progress()
	return s
}

func (o *Orchestrator) emit(name string, v float64) {
	if o.tel != nil {
		o.tel.EmitMetric("drain", name, v)
	}
}

// Run drives drain cycles until the mode, the operator or a failure ends
// them and returns the process exit code. Cancelling ctx is a forced
// shutdown.
func (o *Orchestrator) Run(ctx context.Context) (int, error) {
	stop := context.AfterFunc(ctx, o.force)
	defer stop()
	defer o.setState(Terminal)

	o.appendLog(fmt.Sprintf("Drain cycle started in %s mode", o.config.Mode))
	for cycle := 1; ; cycle++ {
		o.setState(Idle)
		if _, forced := o.flags(); forced {
			return o.teardown(ExitForced, nil)
		}
		if err := o.reg.Start(o.config.Power); err != nil {
			return o.teardown(ExitAborted, err)
		}

		if o.takeJump() {
			code, done, err := o.refill(ctx)
			if done {
				return code, err
			}
			if o.config.Mode == RefillOnly {
				o.appendLog("Refill complete")
				return o.teardown(ExitOK, nil)
			}
			if interrupted, _ := o.flags(); interrupted {
				return o.teardown(ExitOK, nil)
			}
			continue
		}

		if o.completed() > 0 {
			if err := waitNext(ctx, o.rule, o.interruptCh); err != nil {
				interrupted, forced := o.flags()
				switch {
				case forced:
					return o.teardown(ExitForced, nil)
				case interrupted:
					return o.teardown(ExitOK, nil)
				}
				o.appendLog("Schedule has no more drains")
				return o.teardown(ExitOK, nil)
			}
		}

		code, done, err := o.drain(ctx, cycle)
		if done {
			return code, err
		}
	}
}

// drain records one drain and, unless the cycle ends, refills the tank.
func (o *Orchestrator) drain(ctx context.Context, cycle int) (int, bool, error) {
	o.setState(Recording)
	o.appendLog(fmt.Sprintf("Drain %d: recording", cycle))
	started := time.Now()

	var g errgroup.Group
	g.Go(func() error { return o.reg.Start(o.config.Gator) })
	g.Go(func() error { return o.reg.Start(o.config.Scale) })
	if err := g.Wait(); err != nil {
		code, err := o.teardown(ExitAborted, fmt.Errorf("drain %d: %w", cycle, err))
		return code, true, err
	}

	waitCtx, cancel := o.untilForced(ctx)
	reason, err := o.monitor.Wait(waitCtx)
	cancel()
	if err != nil {
		reason = scale.Stopped
	}

	o.setState(ShuttingDown)
	if err := o.reg.Stop(o.config.Gator, o.config.Scale); err != nil {
		log.Warnf("drain %d: %s", cycle, err)
	}

	run := Run{
		Started:     started,
		Ended:       time.Now(),
		FinalWeight: o.monitor.Weight(),
	}
	samples := o.sampler.Samples()
	run.Samples = len(samples)
	flushCtx, cancel := o.untilForced(ctx)
	file, werr := o.flush(flushCtx, samples)
	cancel()
	run.File = file
	if prompts.IsInterrupted(werr) {
		o.force()
	}
	interrupted, forced := o.flags()
	run.Outcome = outcome(reason, forced)
	if err := o.storeRun(&run); err != nil {
		log.Warnf("drain %d: failed to store run. Error: %s", cycle, err)
	}
	o.mu.Lock()
	o.drains++
	drains := o.drains
	o.mu.Unlock()
	o.emit("drains", float64(drains))
	o.emit("samples", float64(run.Samples))
	o.emit("final_weight", run.FinalWeight)
	o.appendLog(fmt.Sprintf("Drain %d: %s after %s, %s samples", cycle, run.Outcome,
		run.Ended.Sub(started).Round(time.Millisecond), humanize.Comma(int64(run.Samples))))

	if forced {
		code, err := o.teardown(ExitForced, werr)
		return code, true, err
	}
	if werr != nil {
		code, err := o.teardown(ExitAborted, werr)
		return code, true, err
	}
	if reason == scale.GatorLost {
		resume, code, err := o.intervene(ctx, "Lost connection to the gator during the drain")
		if !resume {
			return code, true, err
		}
	}
	if interrupted {
		o.appendLog("Stopping after the interrupted drain")
		code, err := o.teardown(ExitOK, nil)
		return code, true, err
	}
	if o.config.Mode == NoRefill {
		code, err := o.teardown(ExitOK, nil)
		return code, true, err
	}

	if code, done, err := o.refill(ctx); done {
		return code, true, err
	}
	if err := o.reg.ResetAll(); err != nil {
		log.Warnf("drain %d: %s", cycle, err)
	}
	if interrupted, _ := o.flags(); interrupted {
		code, err := o.teardown(ExitOK, nil)
		return code, true, err
	}
	return 0, false, nil
}

// refill runs the refill procedure. done reports that the run is over with
// the returned code.
func (o *Orchestrator) refill(ctx context.Context) (int, bool, error) {
	o.setState(Refilling)
	o.appendLog("Refilling")
	if err := o.refiller.Reset(); err != nil {
		code, err := o.teardown(ExitAborted, err)
		return code, true, err
	}
	if err := o.refiller.Start(); err != nil {
		code, err := o.teardown(ExitAborted, err)
		return code, true, err
	}

	waitCtx, cancel := o.untilForced(ctx)
	defer cancel()
	ok := o.refiller.WaitForRefill(waitCtx, o.config.RefillTimeout)
	if err := o.refiller.Stop(); err != nil {
		log.Warnf("refill: %s", err)
	}
	if _, forced := o.flags(); forced {
		code, err := o.teardown(ExitForced, nil)
		return code, true, err
	}
	if !ok {
		reason := fmt.Sprintf("Refill did not finish within %s", o.config.RefillTimeout)
		if f, ok := o.refiller.(interface{ Err() error }); ok && f.Err() != nil {
			reason = fmt.Sprintf("Refill failed: %s", f.Err())
		}
		resume, code, err := o.intervene(ctx, reason)
		if !resume {
			return code, true, err
		}
		return 0, false, nil
	}
	o.appendLog("Refill done")
	return 0, false, nil
}

// untilForced derives a context that is cancelled by a forced shutdown.
func (o *Orchestrator) untilForced(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-o.forceCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (o *Orchestrator) flush(ctx context.Context, samples []gator.Sample) (string, error) {
	if !o.config.LogGator {
		return "", nil
	}
	file, err := o.writer.Write(ctx, samples)
	if err != nil {
		return "", fmt.Errorf("save samples: %w", err)
	}
	o.appendLog(fmt.Sprintf("Saved %s samples to %s", humanize.Comma(int64(len(samples))), file))
	return file, nil
}

// teardown stops every component and finishes the run with code.
func (o *Orchestrator) teardown(code int, err error) (int, error) {
	o.setState(ShuttingDown)
	if sErr := o.reg.StopAll(); sErr != nil {
		log.Warnf("shutdown: %s", sErr)
	}
	if stopErr := o.refiller.Stop(); stopErr != nil {
		log.Warnf("shutdown: %s", stopErr)
	}
	switch code {
	case ExitOK:
		o.appendLog("Shut down")
	case ExitForced:
		o.appendLog("Forced shutdown complete")
	default:
		o.appendLog("Aborted")
	}
	return code, err
}

func outcome(reason scale.Reason, forced bool) string {
	if forced {
		return "forced"
	}
	return reason.String()
}

// LoadAPI registers the REST endpoints.
func (o *Orchestrator) LoadAPI(r *mux.Router) {
	sr := r.PathPrefix("/api/drain").Subrouter()
	sr.HandleFunc("/status", o.getStatus).Methods("GET")
	sr.HandleFunc("/config", o.getConfig).Methods("GET")
	sr.HandleFunc("/runs", o.listRuns).Methods("GET")
	sr.HandleFunc("/log", o.logList).Methods("GET")
	sr.HandleFunc("/interrupt", o.authorize(o.postInterrupt)).Methods("POST")
	sr.HandleFunc("/refill", o.authorize(o.postRefill)).Methods("POST")
}

// appendLog adds an entry to the in-memory activity log, capped at 100 entries.
func (o *Orchestrator) appendLog(msg string) {
	log.Info(msg)
	entry := fmt.Sprintf("%s %s", time.Now().Format("15:04:05"), msg)
	o.mu.Lock()
	defer o.mu.Unlock()
	o.logs = append(o.logs, entry)
	if len(o.logs) > 100 {
		o.logs = o.logs[len(o.logs)-100:]
	}
}

// Logs returns a copy of the activity log.
func (o *Orchestrator) Logs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.logs...)
}
