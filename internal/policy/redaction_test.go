package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactSecrets(t *testing.T) {
	input := "GET /ws/t1?token=abc.def.ghi failed for sam@example.com with Bearer eyJhbGciOi.eyJzdWIi.sig"
	out, changed := RedactSecrets(input)
	assert.True(t, changed)
	assert.Contains(t, out, "token=[REDACTED_TOKEN]")
	assert.Contains(t, out, "Bearer [REDACTED_TOKEN]")
	assert.Contains(t, out, "[REDACTED_EMAIL]")
	assert.NotContains(t, out, "abc.def.ghi")
	assert.NotContains(t, out, "eyJhbGciOi")
}

func TestRedactSecretsLeavesPlainText(t *testing.T) {
	out, changed := RedactSecrets("generation failed: model overloaded")
	assert.False(t, changed)
	assert.Equal(t, "generation failed: model overloaded", out)
}
