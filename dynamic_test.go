package hotrod_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ZenLiuCN/fn"
	"github.com/ZenLiuCN/hotrod"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testdata/counter.o is built by `go generate ./testdata/counter` with a prepared go sdk.
func TestGoloaderCounter(t *testing.T) {
	obj := filepath.Join("testdata", "counter.o")
	if _, err := os.Stat(obj); err != nil {
		t.Skip("testdata/counter.o not built")
	}
	var printed []string
	e, err := hotrod.NewEngineContext(hotrod.Capability{Kind: hotrod.CapTest, Value: &hotrod.Tester{
		Print: func(s string) { printed = append(printed, s) },
	}})
	require.NoError(t, err)
	l := hotrod.NewLoader(&hotrod.Goloader{Package: "sample"}, hotrod.WithScratchDir(t.TempDir()))
	m, err := l.Load(obj)
	require.NoError(t, err)
	defer l.Unload(m)
	assert.Equal(t, "counter", m.Context.Name)
	ok, err := m.Context.OnInit(e)
	require.NoError(t, err)
	assert.True(t, ok)
	for range 3 {
		require.NoError(t, m.Context.OnUpdate())
	}
	s, err := l.Resolve(m, "Ticks")
	require.NoError(t, err)
	assert.Equal(t, 3, hotrod.As[func() int](s)())
	assert.Equal(t, []string{"counter ready"}, printed)
}

func TestNativeMissingLibrary(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "junk.so")
	require.NoError(t, os.WriteFile(p, []byte("not a shared library"), 0o644))
	l := hotrod.NewLoader(&hotrod.Native{}, hotrod.WithScratchDir(filepath.Join(dir, "scratch")))
	assert.Equal(t, hotrod.NativeEntry, l.EntrySymbol())
	_, err := l.Load(p)
	assert.ErrorIs(t, err, hotrod.ErrLoad)
	assert.Empty(t, fn.Panic1(os.ReadDir(filepath.Join(dir, "scratch"))))
}
