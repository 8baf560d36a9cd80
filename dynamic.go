package hotrod

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"unsafe"

	"github.com/pkujhd/goloader"
)

// GoloaderEntry is the entry function a goloader module exports:
//
//	func ModuleLoad(ctx *hotrod.ModuleContext)
const GoloaderEntry = "ModuleLoad"

type (
	// Goloader opens relocatable Go object files (.o) and archives (.a) with [goloader].
	//
	// Modules are compiled against this package, which serves as the shared declarations
	// between host and modules. The host executable must be built with a goloader prepared
	// SDK (see the compiler tool).
	Goloader struct {
		Package string       //package path the modules were compiled as, "main" when empty
		Types   []any        //additional types shared between host and modules
		Sync    bool         //sync stdout before unmapping a module
		Logger  *slog.Logger //debug logging, nil for none
	}
	dynamic struct {
		file    string
		pkg     string
		symbols symbols
		linker  *goloader.Linker
		module  *goloader.CodeModule
		holders []*uintptr
		sync    bool
		log     *slog.Logger
	}
)

func (g *Goloader) pkg() string {
	if g.Package == "" {
		return "main"
	}
	return g.Package
}

// Entry is the qualified entry symbol, as <package>.ModuleLoad.
func (g *Goloader) Entry() string {
	return qualify(g.pkg(), GoloaderEntry)
}

// Open reads and links the object file at path.
func (g *Goloader) Open(path string) (Image, error) {
	s, err := NewSymbols()
	if err != nil {
		return nil, fmt.Errorf("read host symbols: %w", err)
	}
	d := &dynamic{file: path, pkg: g.pkg(), symbols: s.(symbols), sync: g.Sync, log: g.Logger}
	goloader.RegTypes(d.symbols, append([]any{
		ModuleContext{}, &ModuleContext{}, &EngineContext{}, Callbacks{}, &Tester{},
	}, g.Types...)...)
	if d.linker, err = goloader.ReadObj(path, d.pkg); err != nil {
		return nil, fmt.Errorf("read object %s: %w", path, err)
	}
	if d.module, err = goloader.Load(d.linker, d.symbols); err != nil {
		missing := goloader.UnresolvedSymbols(d.linker, d.symbols)
		d.linker = nil
		return nil, &Error{Kind: ErrLoad, Op: "link", Path: path, Missing: missing, Err: err}
	}
	if d.log != nil {
		d.log.Debug("linked module", "file", path, "pkg", d.pkg, "symbols", len(d.module.Syms))
	}
	return d, nil
}

func qualify(pkg, sym string) string {
	if strings.IndexByte(sym, '.') < 0 {
		return pkg + "." + sym
	}
	return sym
}

func (s *dynamic) Lookup(sym string) (Sym, error) {
	if s.module == nil {
		return 0, ErrUninitialized
	}
	sym = qualify(s.pkg, sym)
	p, ok := s.module.Syms[sym]
	if !ok {
		return 0, &Error{Kind: ErrSymbol, Op: "resolve", Path: s.file, Missing: []string{sym}}
	}
	if s.log != nil {
		s.log.Debug("found symbol", "symbol", sym, "addr", fmt.Sprintf("%x", p))
	}
	// the holder acts as the func value; it lives as long as the image
	h := new(uintptr)
	*h = p
	s.holders = append(s.holders, h)
	return Sym(unsafe.Pointer(h)), nil
}

func (s *dynamic) Bind(entry Sym) (ctx ModuleContext, err error) {
	if s.module == nil {
		return ctx, ErrUninitialized
	}
	load := As[func(*ModuleContext)](entry)
	if err = guard(s.file, "entry", func() { load(&ctx) }); err != nil {
		return
	}
	// string data lives in the module's mapped segments
	ctx.Name = strings.Clone(ctx.Name)
	ctx.Description = strings.Clone(ctx.Description)
	ctx.Author = strings.Clone(ctx.Author)
	return
}

func (s *dynamic) Close() error {
	if s.module == nil {
		return nil
	}
	if s.log != nil {
		s.log.Debug("free module", "file", s.file)
	}
	if s.sync {
		_ = os.Stdout.Sync()
	}
	s.module.Unload()
	s.module = nil
	s.linker = nil
	s.symbols = nil
	s.holders = nil
	return nil
}

// MissingSymbols dumps the symbols of an object file the host can't resolve.
func (g *Goloader) MissingSymbols(path string) ([]string, error) {
	s, err := NewSymbols()
	if err != nil {
		return nil, err
	}
	linker, err := goloader.ReadObj(path, g.pkg())
	if err != nil {
		return nil, err
	}
	return goloader.UnresolvedSymbols(linker, s.(symbols)), nil
}
