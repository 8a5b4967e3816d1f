package prompt

import (
	"fmt"
	"testing"

	"github.com/manifoldco/promptui"
	"github.com/stretchr/testify/assert"
)

func TestConfirmRemovalForce(t *testing.T) {
	ok, err := ConfirmRemoval("gsiftp://h/data", true)
	assert.NoError(t, err)
	assert.True(t, ok)
}

func TestIsAborted(t *testing.T) {
	assert.True(t, IsAborted(ErrAborted))
	assert.True(t, IsAborted(promptui.ErrInterrupt))
	assert.True(t, IsAborted(fmt.Errorf("rm: %w", ErrAborted)))
	assert.False(t, IsAborted(promptui.ErrAbort))
}
