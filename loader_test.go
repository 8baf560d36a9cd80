package hotrod_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ZenLiuCN/fn"
	"github.com/ZenLiuCN/hotrod"
	"github.com/ZenLiuCN/hotrod/hotrodtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLoader(t *testing.T) (*hotrod.Loader, *hotrodtest.Backend, string) {
	t.Helper()
	b := hotrodtest.New()
	scratch := filepath.Join(t.TempDir(), "scratch")
	return hotrod.NewLoader(b, hotrod.WithScratchDir(scratch)), b, t.TempDir()
}

func TestLoaderLoad(t *testing.T) {
	l, b, dir := newLoader(t)
	p := hotrodtest.WriteModule(t, dir, "foo.mod", hotrodtest.Spec{Name: "Foo", Major: 1, Minor: 4, Author: "me"})

	m, err := l.Load(p)
	require.NoError(t, err)
	assert.True(t, m.Loaded())
	assert.Equal(t, "foo", m.Name())
	assert.Equal(t, p, m.Path)
	assert.Equal(t, l.ScratchDir(), filepath.Dir(m.Scratch))
	assert.Regexp(t, `^foo_\d+\.mod$`, filepath.Base(m.Scratch))
	assert.Equal(t, "Foo", m.Context.Name)
	assert.Equal(t, "1.4", m.Context.Version.String())
	assert.True(t, m.Context.Loaded)
	assert.Equal(t, fn.Panic1(os.Stat(p)).ModTime(), m.Modified)
	assert.Equal(t, []string{m.Scratch}, b.Images())

	scratch := m.Scratch
	require.FileExists(t, scratch)
	l.Unload(m)
	assert.False(t, m.Loaded())
	assert.NoFileExists(t, scratch)
	assert.Empty(t, m.Scratch)
	assert.Empty(t, m.Context.Name)
	assert.True(t, m.Modified.IsZero())
	assert.Empty(t, b.Images())
	assert.FileExists(t, p)
	assert.NotPanics(t, func() { l.Unload(m) })
}

func TestLoaderDistinctScratch(t *testing.T) {
	l, _, dir := newLoader(t)
	p := hotrodtest.WriteModule(t, dir, "foo.mod", hotrodtest.Spec{Name: "foo"})
	seen := map[string]bool{}
	for range 10 {
		m, err := l.Load(p)
		require.NoError(t, err)
		assert.False(t, seen[m.Scratch], m.Scratch)
		seen[m.Scratch] = true
	}
	assert.Len(t, hotrodtest.Files(t, l.ScratchDir()), 10)
}

func TestLoaderErrors(t *testing.T) {
	l, b, dir := newLoader(t)

	_, err := l.Load("")
	assert.ErrorIs(t, err, hotrod.ErrPath)

	_, err = l.Load(dir)
	assert.ErrorIs(t, err, hotrod.ErrPath)

	_, err = l.Load(filepath.Join(dir, "absent.mod"))
	assert.ErrorIs(t, err, hotrod.ErrCopy)
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = l.Load(hotrodtest.WriteModule(t, dir, "broken.mod", hotrodtest.Spec{Name: "broken", FailOpen: true}))
	assert.ErrorIs(t, err, hotrod.ErrLoad)

	_, err = l.Load(hotrodtest.WriteModule(t, dir, "empty.mod", hotrodtest.Spec{Name: "empty", NoEntry: true}))
	require.ErrorIs(t, err, hotrod.ErrSymbol)
	var e *hotrod.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, []string{hotrodtest.Entry}, e.Missing)
	assert.Equal(t, "resolve", e.Op)

	_, err = l.Load(hotrodtest.WriteModule(t, dir, "partial.mod", hotrodtest.Spec{Name: "partial", Omit: []string{"init", "input", "update", "unload"}}))
	require.True(t, errors.As(err, &e))
	assert.Equal(t, []string{"init", "input", "update", "unload"}, e.Missing)
	assert.Contains(t, err.Error(), "[init, input, update, unload]")

	assert.Empty(t, b.Images())
	assert.Empty(t, hotrodtest.Files(t, l.ScratchDir()))
}

func TestLoaderScratchUnusable(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	l := hotrod.NewLoader(hotrodtest.New(), hotrod.WithScratchDir(filepath.Join(blocker, "scratch")))
	_, err := l.Load(hotrodtest.WriteModule(t, dir, "foo.mod", hotrodtest.Spec{Name: "foo"}))
	assert.ErrorIs(t, err, hotrod.ErrCopy)
}

func TestLoaderResolve(t *testing.T) {
	l, _, dir := newLoader(t)
	m, err := l.Load(hotrodtest.WriteModule(t, dir, "foo.mod", hotrodtest.Spec{Name: "foo", Symbols: []string{"answer"}}))
	require.NoError(t, err)
	s, err := l.Resolve(m, "answer")
	require.NoError(t, err)
	assert.NotZero(t, s)
	_, err = l.Resolve(m, "question")
	assert.ErrorIs(t, err, hotrod.ErrSymbol)
	l.Unload(m)
	_, err = l.Resolve(m, "answer")
	assert.ErrorIs(t, err, hotrod.ErrUninitialized)
}

func TestLoaderPurge(t *testing.T) {
	l, _, dir := newLoader(t)
	m, err := l.Load(hotrodtest.WriteModule(t, dir, "foo.mod", hotrodtest.Spec{Name: "foo"}))
	require.NoError(t, err)
	stale := filepath.Join(l.ScratchDir(), "foo_1.mod")
	require.NoError(t, os.WriteFile(stale, nil, 0o644))
	notes := filepath.Join(l.ScratchDir(), "notes.txt")
	require.NoError(t, os.WriteFile(notes, nil, 0o644))

	n, err := l.Purge()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoFileExists(t, stale)
	assert.FileExists(t, m.Scratch)
	assert.FileExists(t, notes)
}

func TestIsScratchName(t *testing.T) {
	for name, want := range map[string]bool{
		"foo_1.mod":             true,
		"foo_bar_1712345678.so": true,
		"foo_42":                true,
		"foo.mod":               false,
		"foo_.mod":              false,
		"foo_v2.mod":            false,
		"foo_12a.so":            false,
		"_1.so":                 false,
		"notes.txt":             false,
	} {
		assert.Equal(t, want, hotrod.IsScratchName(name), name)
	}
	assert.True(t, hotrod.IsScratchName(hotrod.ScratchName("/a/b/foo.so", 42)))
}

func TestLoaderOptions(t *testing.T) {
	b := hotrodtest.New()
	l := hotrod.NewLoader(b)
	assert.Equal(t, hotrodtest.Entry, l.EntrySymbol())
	assert.True(t, filepath.IsAbs(l.ScratchDir()))
	assert.Equal(t, hotrod.DefaultScratchDir, filepath.Base(l.ScratchDir()))

	l = hotrod.NewLoader(b, hotrod.WithEntry("other_entry"), hotrod.WithScratchDir(""))
	assert.Equal(t, "other_entry", l.EntrySymbol())
	assert.Equal(t, hotrod.DefaultScratchDir, filepath.Base(l.ScratchDir()))

	assert.PanicsWithValue(t, hotrod.ErrUninitialized, func() { hotrod.NewLoader(nil) })
}

func TestScratchName(t *testing.T) {
	assert.Equal(t, "foo", hotrod.Stem("/a/b/foo.so"))
	assert.Equal(t, "foo.tar", hotrod.Stem("foo.tar.gz"))
	assert.Equal(t, "foo_42.so", hotrod.ScratchName("/a/b/foo.so", 42))
	assert.Equal(t, "foo_7", hotrod.ScratchName("foo", 7))
}

func TestPublish(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o640))
	out := filepath.Join(dir, "out")

	dest, err := hotrod.Publish(src, out, "mod.bin")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(out, "mod.bin"), dest)
	assert.Equal(t, "payload", string(fn.Panic1(os.ReadFile(dest))))
	assert.Equal(t, os.FileMode(0o640), fn.Panic1(os.Stat(dest)).Mode().Perm())
	assert.Equal(t, []string{"mod.bin"}, hotrodtest.Files(t, out))

	require.NoError(t, os.WriteFile(src, []byte("second"), 0o640))
	_, err = hotrod.Publish(src, out, "mod.bin")
	require.NoError(t, err)
	assert.Equal(t, "second", string(fn.Panic1(os.ReadFile(dest))))
}
