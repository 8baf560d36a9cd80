//go:build darwin || linux

package hotrod

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

type (
	// Native opens C ABI shared libraries with dlopen, without cgo.
	//
	// The entry symbol is called with a pointer to a zeroed module_context_t; every callback
	// it stores there is invoked through the C calling convention.
	Native struct {
		Symbol string       //entry symbol, NativeEntry when empty
		Logger *slog.Logger //debug logging, nil for none

		mu      sync.Mutex
		pin     runtime.Pinner
		engines map[*EngineContext]*cEngine
	}
	nativeImage struct {
		file   string
		handle uintptr
		owner  *Native
		ctx    *cModuleContext
		pin    runtime.Pinner
	}
	// cModuleContext mirrors module_context_t.
	cModuleContext struct {
		name     *byte
		major    uint8
		minor    uint8
		desc     *byte
		author   *byte
		loaded   bool
		onLoad   uintptr
		onUpdate uintptr
		onInput  uintptr
		onUnload uintptr
		onReload uintptr
	}
	// cSubsystem mirrors subsystem_info_t.
	cSubsystem struct {
		name *byte
		data unsafe.Pointer
	}
	// cEngine mirrors engine_context_t.
	cEngine struct {
		subsystems *cSubsystem
		count      uint8
		published  int
	}
)

// NativeEntry is the entry symbol native modules export:
//
//	extern "C" void module_load(module_context_t* ctx);
const NativeEntry = "module_load"

func (n *Native) Entry() string {
	if n.Symbol == "" {
		return NativeEntry
	}
	return n.Symbol
}

func (n *Native) Open(path string) (Image, error) {
	h, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_LOCAL)
	if err != nil {
		return nil, fmt.Errorf("dlopen %s: %w", path, err)
	}
	if n.Logger != nil {
		n.Logger.Debug("opened shared library", "file", path)
	}
	return &nativeImage{file: path, handle: h, owner: n}, nil
}

// engine renders the C view of e. Views are pinned for the process lifetime, as modules
// keep the engine pointer they receive in init.
func (n *Native) engine(e *EngineContext) *cEngine {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.engines == nil {
		n.engines = make(map[*EngineContext]*cEngine)
	}
	caps := e.Capabilities()
	if ce, ok := n.engines[e]; ok && ce.published == len(caps) {
		return ce
	}
	subs := make([]cSubsystem, 0, len(caps))
	for _, c := range caps {
		x, ok := c.Value.(Exporter)
		if !ok {
			continue
		}
		data := x.Export()
		if data == nil {
			continue
		}
		name := cStringOf(c.Kind.String())
		n.pin.Pin(&name[0])
		subs = append(subs, cSubsystem{name: &name[0], data: data})
	}
	ce := &cEngine{count: uint8(len(subs)), published: len(caps)}
	if len(subs) > 0 {
		n.pin.Pin(&subs[0])
		ce.subsystems = &subs[0]
	}
	n.pin.Pin(ce)
	n.engines[e] = ce
	return ce
}

func (s *nativeImage) Lookup(symbol string) (Sym, error) {
	if s.handle == 0 {
		return 0, ErrUninitialized
	}
	p, err := purego.Dlsym(s.handle, symbol)
	if err != nil || p == 0 {
		return 0, &Error{Kind: ErrSymbol, Op: "resolve", Path: s.file, Missing: []string{symbol}, Err: err}
	}
	return Sym(p), nil
}

func (s *nativeImage) Bind(entry Sym) (ctx ModuleContext, err error) {
	if s.handle == 0 {
		return ctx, ErrUninitialized
	}
	// the module may keep this pointer until its image is closed
	c := new(cModuleContext)
	s.pin.Pin(c)
	s.ctx = c
	purego.SyscallN(uintptr(entry), uintptr(unsafe.Pointer(c)))
	ctx = c.metadata()
	owner := s.owner
	if c.onLoad != 0 {
		fp := c.onLoad
		ctx.Init = func(e *EngineContext) bool {
			var ce *cEngine
			if e != nil {
				ce = owner.engine(e)
			}
			r, _, _ := purego.SyscallN(fp, uintptr(unsafe.Pointer(ce)))
			return byte(r) != 0
		}
	}
	if c.onInput != 0 {
		fp := c.onInput
		ctx.Input = func() { purego.SyscallN(fp) }
	}
	if c.onUpdate != 0 {
		fp := c.onUpdate
		ctx.Update = func() { purego.SyscallN(fp) }
	}
	if c.onUnload != 0 {
		fp := c.onUnload
		ctx.Unload = func() bool {
			r, _, _ := purego.SyscallN(fp)
			return byte(r) != 0
		}
	}
	if c.onReload != 0 {
		fp := c.onReload
		ctx.Reload = func() { purego.SyscallN(fp) }
	}
	return
}

func (s *nativeImage) Close() (err error) {
	if s.handle == 0 {
		return nil
	}
	err = purego.Dlclose(s.handle)
	s.handle = 0
	s.ctx = nil
	s.pin.Unpin()
	if s.owner.Logger != nil {
		s.owner.Logger.Debug("closed shared library", "file", s.file)
	}
	return
}

// metadata copies the strings of c into Go memory.
func (c *cModuleContext) metadata() ModuleContext {
	return ModuleContext{
		Name:        goString(c.name),
		Description: goString(c.desc),
		Author:      goString(c.author),
		Version:     Version{Major: c.major, Minor: c.minor},
	}
}

const maxCString = 4096

// goString copies a NUL terminated string of at most maxCString bytes.
func goString(p *byte) string {
	if p == nil {
		return ""
	}
	n := 0
	for n < maxCString && *(*byte)(unsafe.Add(unsafe.Pointer(p), n)) != 0 {
		n++
	}
	if n == maxCString && *(*byte)(unsafe.Add(unsafe.Pointer(p), n)) != 0 {
		slog.Warn("module string truncated", "limit", maxCString, "prefix", string(unsafe.Slice(p, 32)))
	}
	return string(unsafe.Slice(p, n))
}

func cStringOf(s string) []byte {
	b := make([]byte, len(s)+1)
	copy(b, s)
	return b
}

// Export renders the tester as struct { void (*dump)(module_context_t*); void (*print)(const char*); }.
// The callbacks are created once and never released.
func (t *Tester) Export() unsafe.Pointer {
	t.once.Do(func() {
		nt := &nativeTester{}
		nt.dump = purego.NewCallback(func(p uintptr) {
			if t.Dump != nil && p != 0 {
				m := (*cModuleContext)(unsafe.Pointer(p)).metadata()
				t.Dump(&m)
			}
		})
		nt.print = purego.NewCallback(func(p uintptr) {
			if t.Print != nil {
				t.Print(goString((*byte)(unsafe.Pointer(p))))
			}
		})
		t.pin.Pin(nt)
		t.native = nt
	})
	return unsafe.Pointer(t.native)
}
