// Package plain implements prompts using the standard library.
package plain

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Plain implements Prompt by reading lines.
type Plain struct {
	in  io.Reader
	out io.Writer
}

type Option func(p *Plain)

func New(opts ...Option) Plain {
	p := Plain{
		in:  os.Stdin,
		out: os.Stdout,
	}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// WithIn replaces stdin. A nil reader makes every prompt return its default.
func WithIn(in io.Reader) Option {
	return func(p *Plain) {
		p.in = in
	}
}

func WithOut(out io.Writer) Option {
	return func(p *Plain) {
		p.out = out
	}
}

// Confirm asks the operator for a "Yes" or "No" response. The default value
// is used if the operator presses enter without typing neither Y nor N.
func (p Plain) Confirm(msg string, defvalue bool) (bool, error) {
	options := " [y/N]"
	if defvalue {
		options = " [Y/n]"
	}
	if p.in == nil {
		return defvalue, nil
	}
	reader := bufio.NewReader(p.in)
	for {
		fmt.Fprintf(p.out, "%s%s: ", msg, options)
		input, err := reader.ReadString('\n')
		if err != nil {
			return false, fmt.Errorf("read input: %w", err)
		}
		input = strings.ToLower(strings.TrimSpace(input))
		switch input {
		case "y", "yes":
			return true, nil
		case "n", "no":
			return false, nil
		case "":
			return defvalue, nil
		default:
			logrus.Errorf("Invalid input: %s", input)
		}
	}
}
