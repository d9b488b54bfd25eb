package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateDisplayName(t *testing.T) {
	assert.NoError(t, ValidateDisplayName("Alice"))
	assert.NoError(t, ValidateDisplayName("Å"))
	assert.NoError(t, ValidateDisplayName(strings.Repeat("x", 20)))

	assert.Error(t, ValidateDisplayName(""))
	assert.Error(t, ValidateDisplayName("   "))
	assert.Error(t, ValidateDisplayName(strings.Repeat("x", 21)))
}

func TestValidateRoomCode(t *testing.T) {
	assert.NoError(t, ValidateRoomCode("ABCD"))
	assert.NoError(t, ValidateRoomCode("Z29K"))

	assert.Error(t, ValidateRoomCode(""))
	assert.Error(t, ValidateRoomCode("ABC"))
	assert.Error(t, ValidateRoomCode("ABCDE"))
	assert.Error(t, ValidateRoomCode("AB0D"), "0 is not in the code alphabet")
	assert.Error(t, ValidateRoomCode("abcd"))
}
