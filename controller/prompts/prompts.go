// Package prompts asks the operator questions on the console. It picks
// survey-based "decorative" prompts on a terminal and line-based "plain"
// prompts otherwise; headless runs answer every question with its default.
package prompts

import (
	"errors"
	"os"

	"github.com/AlecAivazis/survey/v2/terminal"
	"github.com/mattn/go-isatty"

	"github.com/mpg-foss/autofoss/controller/prompts/decorative"
	"github.com/mpg-foss/autofoss/controller/prompts/plain"
)

// Prompt is implemented by 'decorative' and 'plain' prompts.
type Prompt interface {
	// Confirm asks for a "Yes" or "No" response. The default value is used
	// if the operator presses enter without typing anything.
	Confirm(msg string, defvalue bool) (bool, error)
}

// New returns a prompt suited to stdin. With headless set no question is
// ever shown and defaults are returned.
func New(headless bool) Prompt {
	if headless {
		return plain.New(plain.WithIn(nil))
	}
	if os.Getenv("AUTOFOSS_PLAIN_PROMPTS") == "true" || !IsTerminal() {
		return plain.New()
	}
	return decorative.New()
}

// IsTerminal reports whether stdin is attached to a terminal.
func IsTerminal() bool {
	fd := os.Stdin.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// IsInterrupted reports whether err is the operator pressing CTRL-C while a
// question was open.
func IsInterrupted(err error) bool {
	return errors.Is(err, terminal.InterruptErr)
}
