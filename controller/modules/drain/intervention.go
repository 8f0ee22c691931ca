package drain

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"

	"github.com/mpg-foss/autofoss/controller/prompts"
)

type answer struct {
	resume bool
	err    error
}

// intervene pauses every component and asks the operator whether to carry
// on. When resume is false the run is over and code/err are its result.
func (o *Orchestrator) intervene(ctx context.Context, reason string) (resume bool, code int, err error) {
	o.mu.Lock()
	o.intervention = reason
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.intervention = ""
		o.mu.Unlock()
	}()

	o.appendLog("Human intervention required: " + reason)
	if pErr := o.reg.PauseAll(); pErr != nil {
		log.Warnf("intervention: %s", pErr)
	}
	o.banner(reason)

	answers := make(chan answer, 1)
	go func() {
		ok, err := o.prompt.Confirm("Is the rig ready to resume?", false)
		answers <- answer{resume: ok, err: err}
	}()

	var a answer
	select {
	case a = <-answers:
	case <-o.forceCh:
		code, err := o.teardown(ExitForced, nil)
		return false, code, err
	case <-ctx.Done():
		code, err := o.teardown(ExitForced, nil)
		return false, code, err
	}
	if prompts.IsInterrupted(a.err) {
		o.force()
		code, err := o.teardown(ExitForced, nil)
		return false, code, err
	}
	if a.err != nil || !a.resume {
		if a.err != nil {
			log.Errorf("intervention: %s", a.err)
		}
		fmt.Fprintln(o.out, color.RedString("Stopping. Fix the issue and start autofoss again."))
		code, err := o.teardown(ExitAborted, nil)
		return false, code, err
	}
	if rErr := o.reg.ResumeAll(); rErr != nil {
		code, err := o.teardown(ExitAborted, fmt.Errorf("resume after intervention: %w", rErr))
		return false, code, err
	}
	o.appendLog("Resumed after intervention")
	return true, 0, nil
}

func (o *Orchestrator) banner(reason string) {
	warn := color.New(color.FgYellow, color.Bold)
	warn.Fprintln(o.out, "!! HUMAN INTERVENTION REQUIRED !!")
	fmt.Fprintln(o.out, color.RedString(reason))
	fmt.Fprintln(o.out, "All outputs are powered down. Check the following before resuming:")
	fmt.Fprintln(o.out, "  - the gator is connected and streaming")
	fmt.Fprintln(o.out, "  - the scale is connected and shows a stable weight")
	fmt.Fprintln(o.out, "  - the pump and valve hoses are not blocked")
}
