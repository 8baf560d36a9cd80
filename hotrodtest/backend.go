// Package hotrodtest provides an in-memory backend for testing code built on hotrod.
//
// A fake module file is a YAML document describing the module. The backend reads it from
// the scratch copy, so every guarantee of the real loader (copying, scratch naming, cleanup)
// is exercised while no native code is ever mapped.
package hotrodtest

import (
	"fmt"
	"os"
	"slices"
	"sync"

	"github.com/ZenLiuCN/hotrod"
	"gopkg.in/yaml.v3"
)

// Entry is the entry symbol of fake images.
const Entry = "module_load"

type (
	// Spec describes a fake module.
	Spec struct {
		Name        string   `yaml:"name"`
		Description string   `yaml:"description,omitempty"`
		Author      string   `yaml:"author,omitempty"`
		Major       uint8    `yaml:"major,omitempty"`
		Minor       uint8    `yaml:"minor,omitempty"`
		Omit        []string `yaml:"omit,omitempty"`       //callback slots left empty: init, input, update, unload, reload
		FailOpen    bool     `yaml:"fail_open,omitempty"`  //the image can't be opened
		NoEntry     bool     `yaml:"no_entry,omitempty"`   //the image lacks the entry symbol
		InitFails   bool     `yaml:"init_fails,omitempty"` //init reports false
		Refuse      bool     `yaml:"refuse,omitempty"`     //unload reports false
		Panic       string   `yaml:"panic,omitempty"`      //callback slot that panics
		Symbols     []string `yaml:"symbols,omitempty"`    //extra exported symbols
	}
	// Counts of backend and callback activity of one module name.
	Counts struct {
		Opened int
		Closed int
		Init   int
		Input  int
		Update int
		Unload int
		Reload int
	}
	// Backend is a hotrod.Opener over Spec files.
	Backend struct {
		mu      sync.Mutex
		counts  map[string]*Counts
		engines map[string]*hotrod.EngineContext
		opened  map[string]string //scratch path to module name, for open images
		calls   []string
	}
	image struct {
		b      *Backend
		path   string
		spec   Spec
		closed bool
	}
)

// New creates an empty Backend.
func New() *Backend {
	return &Backend{
		counts:  make(map[string]*Counts),
		engines: make(map[string]*hotrod.EngineContext),
		opened:  make(map[string]string),
	}
}

func (b *Backend) Entry() string {
	return Entry
}

func (b *Backend) Open(path string) (hotrod.Image, error) {
	bin, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Spec
	if err = yaml.Unmarshal(bin, &s); err != nil {
		return nil, fmt.Errorf("decode fake module %s: %w", path, err)
	}
	if s.FailOpen {
		return nil, fmt.Errorf("fake module %s: refused to open", s.Name)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.count(s.Name).Opened++
	b.opened[path] = s.Name
	b.calls = append(b.calls, s.Name+".open")
	return &image{b: b, path: path, spec: s}, nil
}

// count must be called with mu held.
func (b *Backend) count(name string) *Counts {
	c, ok := b.counts[name]
	if !ok {
		c = new(Counts)
		b.counts[name] = c
	}
	return c
}

func (b *Backend) hit(name, slot string, f func(*Counts)) {
	b.mu.Lock()
	f(b.count(name))
	b.calls = append(b.calls, name+"."+slot)
	b.mu.Unlock()
}

// Counts returns a copy of the counters of a module name.
func (b *Backend) Counts(name string) Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return *b.count(name)
}

// Calls returns every recorded event, as <name>.<event>, in order.
func (b *Backend) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.calls)
}

// Reset forgets the recorded events. Counters are kept.
func (b *Backend) Reset() {
	b.mu.Lock()
	b.calls = nil
	b.mu.Unlock()
}

// Images lists the scratch paths of open images, sorted.
func (b *Backend) Images() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := make([]string, 0, len(b.opened))
	for k := range b.opened {
		p = append(p, k)
	}
	slices.Sort(p)
	return p
}

// Engine is the engine context the module name last received in init.
func (b *Backend) Engine(name string) *hotrod.EngineContext {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.engines[name]
}

func (i *image) Lookup(symbol string) (hotrod.Sym, error) {
	if i.closed {
		return 0, hotrod.ErrUninitialized
	}
	if symbol == Entry && !i.spec.NoEntry {
		return 1, nil
	}
	if x := slices.Index(i.spec.Symbols, symbol); x >= 0 {
		return hotrod.Sym(x + 2), nil
	}
	return 0, &hotrod.Error{Kind: hotrod.ErrSymbol, Op: "resolve", Path: i.path, Missing: []string{symbol}}
}

func (i *image) Bind(entry hotrod.Sym) (ctx hotrod.ModuleContext, err error) {
	if entry != 1 {
		return ctx, fmt.Errorf("fake module %s: bad entry %d", i.spec.Name, entry)
	}
	s := i.spec
	ctx.Name = s.Name
	ctx.Description = s.Description
	ctx.Author = s.Author
	ctx.Version = hotrod.Version{Major: s.Major, Minor: s.Minor}
	name := s.Name
	ctx.Init = func(e *hotrod.EngineContext) bool {
		i.b.hit(name, "init", func(c *Counts) { c.Init++ })
		i.b.mu.Lock()
		i.b.engines[name] = e
		i.b.mu.Unlock()
		i.trap("init")
		return !s.InitFails
	}
	ctx.Input = func() {
		i.b.hit(name, "input", func(c *Counts) { c.Input++ })
		i.trap("input")
	}
	ctx.Update = func() {
		i.b.hit(name, "update", func(c *Counts) { c.Update++ })
		i.trap("update")
	}
	ctx.Unload = func() bool {
		i.b.hit(name, "unload", func(c *Counts) { c.Unload++ })
		i.trap("unload")
		return !s.Refuse
	}
	ctx.Reload = func() {
		i.b.hit(name, "reload", func(c *Counts) { c.Reload++ })
		i.trap("reload")
	}
	for _, slot := range s.Omit {
		switch slot {
		case "init":
			ctx.Init = nil
		case "input":
			ctx.Input = nil
		case "update":
			ctx.Update = nil
		case "unload":
			ctx.Unload = nil
		case "reload":
			ctx.Reload = nil
		}
	}
	return
}

func (i *image) trap(slot string) {
	if i.closed {
		panic(fmt.Sprintf("fake module %s: %s called on a closed image", i.spec.Name, slot))
	}
	if i.spec.Panic == slot {
		panic(fmt.Sprintf("fake module %s: %s", i.spec.Name, slot))
	}
}

func (i *image) Close() error {
	if i.closed {
		return fmt.Errorf("fake module %s: closed twice", i.spec.Name)
	}
	i.closed = true
	i.b.mu.Lock()
	defer i.b.mu.Unlock()
	i.b.count(i.spec.Name).Closed++
	delete(i.b.opened, i.path)
	i.b.calls = append(i.b.calls, i.spec.Name+".close")
	return nil
}
