// Package decorative implements decorative prompts using the survey library.
package decorative

import (
	"github.com/AlecAivazis/survey/v2"
)

// Decorative is a decorative prompt.
type Decorative struct{}

func New() Decorative {
	return Decorative{}
}

// Confirm asks the operator for a "Yes" or "No" response. The default value
// is used if the operator presses enter without typing anything.
func (d Decorative) Confirm(msg string, defvalue bool) (bool, error) {
	var response bool
	var confirm = &survey.Confirm{Message: msg, Default: defvalue}
	if err := survey.AskOne(confirm, &response); err != nil {
		return false, err
	}
	return response, nil
}
