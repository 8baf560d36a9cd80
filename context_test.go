package hotrod_test

import (
	"errors"
	"io"
	"testing"

	"github.com/ZenLiuCN/hotrod"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModuleContextMissing(t *testing.T) {
	var c hotrod.ModuleContext
	assert.Equal(t, []string{"init", "input", "update", "unload"}, c.Missing())
	c.Init = func(*hotrod.EngineContext) bool { return true }
	c.Input = func() {}
	c.Update = func() {}
	c.Unload = func() bool { return true }
	assert.Empty(t, c.Missing())

	d := c.Detach()
	assert.Nil(t, d.Init)
	assert.NotNil(t, c.Init)
}

func TestModuleContextHooks(t *testing.T) {
	var got *hotrod.EngineContext
	c := hotrod.ModuleContext{Name: "foo"}
	c.Init = func(e *hotrod.EngineContext) bool { got = e; return false }
	c.Update = func() { panic(io.EOF) }
	c.Input = func() { panic("boom") }
	c.Unload = func() bool { return true }

	e, err := hotrod.NewEngineContext()
	require.NoError(t, err)
	ok, err := c.OnInit(e)
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Same(t, e, got)

	err = c.OnUpdate()
	assert.ErrorIs(t, err, io.EOF)
	assert.EqualError(t, err, `module "foo" update: EOF`)
	assert.EqualError(t, c.OnInput(), `module "foo" input: boom`)

	ok, err = c.OnUnload()
	assert.NoError(t, err)
	assert.True(t, ok)

	ran, err := c.OnReload()
	assert.NoError(t, err)
	assert.False(t, ran)
	c.Reload = func() {}
	ran, _ = c.OnReload()
	assert.True(t, ran)

	_, err = (&hotrod.ModuleContext{Name: "bar"}).OnInit(nil)
	assert.Error(t, err)
}

func TestErrorFormat(t *testing.T) {
	cause := errors.New("no such file")
	err := &hotrod.Error{Kind: hotrod.ErrCopy, Op: "copy", Path: "/m/foo.so", Err: cause}
	assert.EqualError(t, err, "copy /m/foo.so: copy module to scratch: no such file")
	assert.ErrorIs(t, err, hotrod.ErrCopy)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, hotrod.ErrLoad)
}
