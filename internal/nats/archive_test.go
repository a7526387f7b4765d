package nats

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionSubject(t *testing.T) {
	subject := SessionSubject("ana.lopez@example.com", "42")

	assert.True(t, strings.HasPrefix(subject, SubjectPrefix+"."))
	assert.True(t, strings.HasSuffix(subject, ".42"))

	tokens := strings.Split(subject, ".")
	assert.Len(t, tokens, 4, "the owner stays one subject token")
	assert.NotContains(t, tokens[2], "@")

	assert.NotEqual(t, subject, SessionSubject("ana.lopez@example.org", "42"))
}
