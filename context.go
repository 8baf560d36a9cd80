package hotrod

import (
	"fmt"
)

type (
	// Version of a module as reported by its entry symbol.
	Version struct {
		Major uint8
		Minor uint8
	}
	// Callbacks is the table a module fills during its entry call.
	//
	// Init, Input, Update and Unload are required, Reload is optional.
	Callbacks struct {
		Init   func(engine *EngineContext) bool //called once after the first successful load
		Input  func()                           //called by the host input layer
		Update func()                           //called once per tick
		Unload func() bool                      //called before the image is released
		Reload func()                           //called instead of Init after a reload, optional
	}
	// ModuleContext is populated once per load by the module's entry symbol.
	//
	// String fields are copied by the host on receipt, so a ModuleContext stays valid after
	// the image it came from is released. The callbacks do not: they must not be called once
	// the owning Module is unloaded.
	ModuleContext struct {
		Name        string
		Description string
		Author      string
		Version
		Loaded bool //true when every required callback is present
		Callbacks
	}
)

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Missing lists the required callback slots the module left empty.
func (c *ModuleContext) Missing() (m []string) {
	if c.Init == nil {
		m = append(m, "init")
	}
	if c.Input == nil {
		m = append(m, "input")
	}
	if c.Update == nil {
		m = append(m, "update")
	}
	if c.Unload == nil {
		m = append(m, "unload")
	}
	return
}

// validate computes Loaded. The reload slot never takes part in it.
func (c *ModuleContext) validate() []string {
	m := c.Missing()
	c.Loaded = len(m) == 0
	return m
}

// Detach returns the metadata of the context without its callbacks.
func (c ModuleContext) Detach() ModuleContext {
	c.Callbacks = Callbacks{}
	return c
}

// OnInit runs the init callback. A panic inside the module is returned as an error.
func (c *ModuleContext) OnInit(engine *EngineContext) (ok bool, err error) {
	if c.Init == nil {
		return false, fmt.Errorf("module %q: no init callback", c.Name)
	}
	err = guard(c.Name, "init", func() { ok = c.Init(engine) })
	return
}

// OnInput runs the input callback.
func (c *ModuleContext) OnInput() error {
	if c.Input == nil {
		return nil
	}
	return guard(c.Name, "input", c.Input)
}

// OnUpdate runs the update callback.
func (c *ModuleContext) OnUpdate() error {
	if c.Update == nil {
		return nil
	}
	return guard(c.Name, "update", c.Update)
}

// OnUnload runs the unload callback.
func (c *ModuleContext) OnUnload() (ok bool, err error) {
	if c.Unload == nil {
		return false, nil
	}
	err = guard(c.Name, "unload", func() { ok = c.Unload() })
	return
}

// OnReload runs the reload callback. It reports false when the module has none.
func (c *ModuleContext) OnReload() (ran bool, err error) {
	if c.Reload == nil {
		return false, nil
	}
	return true, guard(c.Name, "reload", c.Reload)
}

func guard(name, hook string, f func()) (err error) {
	defer func() {
		switch r := recover().(type) {
		case nil:
		case error:
			err = fmt.Errorf("module %q %s: %w", name, hook, r)
		default:
			err = fmt.Errorf("module %q %s: %v", name, hook, r)
		}
	}()
	f()
	return
}
