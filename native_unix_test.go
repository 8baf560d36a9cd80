//go:build darwin || linux

package hotrod

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGoStringTruncated(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })
	var buf bytes.Buffer
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))

	short := []byte("counter\x00")
	assert.Equal(t, "counter", goString(&short[0]))
	exact := append(bytes.Repeat([]byte{'a'}, maxCString), 0)
	assert.Len(t, goString(&exact[0]), maxCString)
	assert.Empty(t, buf.String())

	long := append(bytes.Repeat([]byte{'b'}, maxCString+10), 0)
	assert.Equal(t, strings.Repeat("b", maxCString), goString(&long[0]))
	assert.Contains(t, buf.String(), "module string truncated")
	assert.Empty(t, goString(nil))
}
