package prompt

import (
	"errors"

	"github.com/manifoldco/promptui"
)

// Password reads a masked password. It unlocks PKCS#12 credentials whose
// password is not in the configuration.
func Password(label string) (string, error) {
	p := promptui.Prompt{
		Label: label,
		Mask:  '*',
	}

	result, err := p.Run()
	if errors.Is(err, promptui.ErrInterrupt) {
		return "", ErrAborted
	}
	return result, err
}
