package prompt

import (
	"errors"
	"fmt"

	"github.com/manifoldco/promptui"
)

// ErrTokenMismatch indicates the two token entries differ.
var ErrTokenMismatch = errors.New("tokens do not match")

// Secret prompts for masked input of at least minLength characters.
func Secret(label string, minLength int) (string, error) {
	prompt := promptui.Prompt{
		Label: label,
		Mask:  '*',
		Validate: func(input string) error {
			if len(input) < minLength {
				return fmt.Errorf("must be at least %d characters", minLength)
			}
			return nil
		},
	}

	result, err := prompt.Run()
	return result, wrapError(err)
}

// NewToken prompts for an admin API token and its confirmation.
func NewToken() (string, error) {
	token, err := Secret("Admin API token", 12)
	if err != nil {
		return "", err
	}
	confirm, err := Secret("Confirm token", 0)
	if err != nil {
		return "", err
	}
	if token != confirm {
		return "", ErrTokenMismatch
	}
	return token, nil
}
