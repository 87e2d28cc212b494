package logging

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLevelsAndFormat(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf, "json")
	SetLevel("info")
	t.Cleanup(func() {
		SetOutput(os.Stderr, "text")
		SetLevel("info")
	})

	Logf("relay listening addr=%s", ":3000")
	Debugf("hidden %d", 1)
	Warnf("slow receiver id=%s", "10.0.0.1:5000")
	Flush()

	out := buf.String()
	assert.Contains(t, out, `"msg":"relay listening addr=:3000"`)
	assert.Contains(t, out, `"level":"warn"`)
	assert.Contains(t, out, `"instance":"`+GetInstanceID()+`"`)
	assert.NotContains(t, out, "hidden")
	assert.False(t, DebugEnabled())

	buf.Reset()
	SetLevel("debug")
	assert.True(t, DebugEnabled())
	Debugf("visible %d", 2)
	Flush()
	assert.Contains(t, buf.String(), "visible 2")
}

func TestUnknownLevelIgnored(t *testing.T) {
	SetLevel("warn")
	SetLevel("chatty")
	t.Cleanup(func() { SetLevel("info") })
	assert.False(t, level.Enabled(-1))
	assert.True(t, level.Enabled(1))
}

func TestInstanceIDStable(t *testing.T) {
	first := GetInstanceID()
	assert.NotEmpty(t, first)
	assert.Equal(t, first, GetInstanceID())
	assert.False(t, strings.ContainsAny(first, "\n"))
}
