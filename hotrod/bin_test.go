package main

import (
	"bytes"
	"testing"

	"github.com/ZenLiuCN/hotrod"
	"github.com/ZenLiuCN/hotrod/config"
	"github.com/stretchr/testify/assert"
)

func TestNewLogger(t *testing.T) {
	var b bytes.Buffer
	l := newLogger(config.Log{Level: "warn", Format: "json"}, &b)
	l.Info("hidden")
	l.Warn("shown", "module", "foo")
	assert.NotContains(t, b.String(), "hidden")
	assert.Contains(t, b.String(), `"msg":"shown"`)
	assert.Contains(t, b.String(), `"module":"foo"`)
}

func TestOpener(t *testing.T) {
	c := config.Default()
	c.Entry = "custom_load"
	o := opener(&c, nil)
	assert.IsType(t, &hotrod.Native{}, o)
	assert.Equal(t, "custom_load", o.Entry())

	c.Backend = config.Goloader
	c.Package = "example.com/mods"
	o = opener(&c, nil)
	assert.IsType(t, &hotrod.Goloader{}, o)
	assert.Equal(t, "example.com/mods.ModuleLoad", o.Entry())
}

func TestTester(t *testing.T) {
	var b bytes.Buffer
	tr := tester(newLogger(config.Log{Level: "info", Format: "logfmt"}, &b))
	tr.Print("hello from module")
	assert.Contains(t, b.String(), "hello from module")
}
