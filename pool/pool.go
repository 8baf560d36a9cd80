// Package pool tracks hot reloadable modules by name: discovery in watched directories, reload
// of modified files, update dispatch and shutdown.
//
// A Pool is driven from one goroutine (see package tick). Its lock only makes snapshots safe to
// read from elsewhere; module callbacks must not call back into the Pool.
package pool

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ZenLiuCN/hotrod"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/davecgh/go-spew/spew"
)

// State of a tracked module name.
type State uint8

const (
	Unloaded State = iota
	Loaded
	Failed
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loaded:
		return "loaded"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

type (
	// RetryPolicy decides how often a failed reload is retried while its file stays unchanged.
	RetryPolicy struct {
		MaxAttempts int        //failed loads allowed before giving up, 0 retries forever
		OnExhausted func(Info) //called once when MaxAttempts is reached, after the sweep released the Pool
	}
	// Record is the Pool's entry of one module name. It owns the loaded module, if any.
	Record struct {
		name     string
		path     string
		state    State
		module   *hotrod.Module
		err      error
		attempts int       //failed loads since the last success or file change
		stamp    time.Time //mtime the last failed load was attempted on
		loads    int
		noted    string //last problem logged, repeats are logged at debug level
	}
	// Info is a snapshot of a Record, detached from any module image.
	Info struct {
		Name     string
		Path     string
		Scratch  string
		State    State
		Modified time.Time
		Context  hotrod.ModuleContext //metadata only, callbacks are stripped
		Err      error
		Attempts int
		Loads    int //successful loads, the first included
	}
	// Pool of modules keyed by name, the file stem of the module.
	Pool struct {
		loader  *hotrod.Loader
		engine  *hotrod.EngineContext
		dirs    []string
		ext     string
		pattern string
		retry   RetryPolicy
		log     *slog.Logger

		mu      sync.RWMutex
		records map[string]*Record
		order   []string
		dirErrs map[string]string //last error logged per watch directory
	}
	// Option configures a Pool.
	Option func(*Pool)
)

// WithDirs appends watch directories, searched in order.
func WithDirs(dirs ...string) Option {
	return func(p *Pool) {
		p.dirs = append(p.dirs, dirs...)
	}
}

// WithExtension sets the module file extension, such as ".so". An empty extension accepts any file.
func WithExtension(ext string) Option {
	return func(p *Pool) {
		if ext != "" && ext[0] != '.' {
			ext = "." + ext
		}
		p.ext = ext
	}
}

// WithPattern restricts discovery to stems matching a doublestar glob.
func WithPattern(glob string) Option {
	return func(p *Pool) {
		p.pattern = glob
	}
}

// WithEngine sets the engine context passed to init callbacks.
func WithEngine(e *hotrod.EngineContext) Option {
	return func(p *Pool) {
		p.engine = e
	}
}

// WithRetry sets the policy for failed reloads.
func WithRetry(r RetryPolicy) Option {
	return func(p *Pool) {
		p.retry = r
	}
}

// WithLogger sets the logger of the Pool.
func WithLogger(log *slog.Logger) Option {
	return func(p *Pool) {
		if log != nil {
			p.log = log
		}
	}
}

// New creates a Pool loading modules with loader. Stale scratch copies are purged.
func New(loader *hotrod.Loader, opts ...Option) *Pool {
	if loader == nil {
		panic(hotrod.ErrUninitialized)
	}
	p := &Pool{
		loader:  loader,
		log:     slog.Default(),
		records: make(map[string]*Record),
		dirErrs: make(map[string]string),
	}
	for _, opt := range opts {
		opt(p)
	}
	if err := p.purge(); err != nil {
		p.log.Warn("purge scratch directory", "dir", loader.ScratchDir(), "err", err)
	}
	return p
}

// purge removes stale scratch copies, unless a watch directory shares the scratch directory:
// module files there may look like scratch copies.
func (p *Pool) purge() error {
	dir := p.loader.ScratchDir()
	for _, w := range p.dirs {
		if p.scratch(w) {
			p.log.Warn("watch directory inside scratch directory, stale copies are kept", "dir", w, "scratch", dir)
			return nil
		}
	}
	n, err := p.loader.Purge()
	if n > 0 {
		p.log.Debug("purged stale scratch copies", "dir", dir, "count", n)
	}
	return err
}

// lock panics on a nil or closed Pool.
func (p *Pool) lock() {
	if p == nil {
		panic(hotrod.ErrUninitialized)
	}
	p.mu.Lock()
	if p.records == nil {
		p.mu.Unlock()
		panic(hotrod.ErrUninitialized)
	}
}

func (p *Pool) rlock() {
	if p == nil {
		panic(hotrod.ErrUninitialized)
	}
	p.mu.RLock()
	if p.records == nil {
		p.mu.RUnlock()
		panic(hotrod.ErrUninitialized)
	}
}

// Discover loads every new module file in the watch directories and returns how many loaded.
//
// The first directory to produce a stem wins. Files that fail to load get no record and are
// tried again on the next call.
func (p *Pool) Discover() int {
	return p.discover("")
}

// DiscoverPattern is Discover restricted to stems matching glob.
func (p *Pool) DiscoverPattern(glob string) int {
	return p.discover(glob)
}

func (p *Pool) discover(glob string) (n int) {
	p.lock()
	defer p.mu.Unlock()
	if !doublestar.ValidatePattern(glob) {
		p.log.Error("invalid discovery pattern", "pattern", glob)
		return 0
	}
	for _, dir := range p.dirs {
		if p.scratch(dir) {
			p.log.Debug("skip scratch directory", "dir", dir)
			continue
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			if msg := err.Error(); p.dirErrs[dir] != msg {
				p.dirErrs[dir] = msg
				p.log.Warn("watch directory unreadable", "dir", dir, "err", err)
			}
			continue
		}
		delete(p.dirErrs, dir)
		for _, e := range entries {
			if !e.Type().IsRegular() || !p.accept(e.Name()) {
				continue
			}
			name := hotrod.Stem(e.Name())
			if !match(p.pattern, name) || !match(glob, name) {
				continue
			}
			if _, ok := p.records[name]; ok {
				continue
			}
			path := filepath.Join(dir, e.Name())
			if _, err = p.load(name, path); err != nil {
				p.log.Warn("module load failed", "module", name, "path", path, "err", err)
				continue
			}
			n++
		}
	}
	if n > 0 {
		p.log.Info("discovery complete", "loaded", n)
	}
	return
}

func (p *Pool) accept(file string) bool {
	return p.ext == "" || filepath.Ext(file) == p.ext
}

func match(glob, name string) bool {
	if glob == "" {
		return true
	}
	ok, err := doublestar.Match(glob, name)
	return err == nil && ok
}

// scratch reports whether dir is, or lies inside, the scratch directory.
func (p *Pool) scratch(dir string) bool {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(p.loader.ScratchDir(), abs)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Load loads a single module file outside of discovery. Its stem must not be tracked yet.
func (p *Pool) Load(path string) (Info, error) {
	p.lock()
	defer p.mu.Unlock()
	name := hotrod.Stem(path)
	if _, ok := p.records[name]; ok {
		return Info{}, &hotrod.Error{Kind: hotrod.ErrAlreadyLoaded, Op: "load", Path: path}
	}
	r, err := p.load(name, path)
	if err != nil {
		return Info{}, err
	}
	return r.info(), nil
}

// load must be called with mu held. A failed init is recorded but keeps the module resident.
func (p *Pool) load(name, path string) (*Record, error) {
	m, err := p.loader.Load(path)
	if err != nil {
		return nil, err
	}
	r := &Record{name: name, path: path, state: Loaded, module: m, loads: 1}
	p.records[name] = r
	p.order = append(p.order, name)
	ok, err := m.Context.OnInit(p.engine)
	if err != nil || !ok {
		r.err = &hotrod.Error{Kind: hotrod.ErrInit, Op: "init", Path: path, Err: err}
		p.log.Warn("module init failed", "module", name, "err", r.err)
	}
	p.log.Info("module loaded", "module", name, "name", m.Context.Name, "version", m.Context.Version)
	return r, nil
}

// ReloadModified swaps every module whose file changed since it was loaded, and retries failed
// reloads as the retry policy allows. It returns how many modules were (re)loaded.
//
// A resident module whose file can't be read stays resident.
func (p *Pool) ReloadModified() int {
	n, exhausted := p.sweep()
	if p.retry.OnExhausted != nil {
		for _, i := range exhausted {
			p.retry.OnExhausted(i)
		}
	}
	return n
}

func (p *Pool) sweep() (n int, exhausted []Info) {
	p.lock()
	defer p.mu.Unlock()
	for _, name := range p.order {
		r := p.records[name]
		si, err := os.Stat(r.path)
		if err != nil {
			p.note(r, "module file unreadable", err, "path", r.path, "state", r.state)
			continue
		}
		mt := si.ModTime()
		switch r.state {
		case Loaded:
			r.noted = ""
			if mt.Equal(r.module.Modified) {
				continue
			}
			p.unload(r)
		case Failed:
			if !mt.Equal(r.stamp) {
				r.attempts = 0
			} else if p.retry.MaxAttempts > 0 && r.attempts >= p.retry.MaxAttempts {
				continue
			}
		default:
		}
		if p.reload(r, mt) {
			n++
		} else if p.retry.MaxAttempts > 0 && r.attempts == p.retry.MaxAttempts {
			exhausted = append(exhausted, r.info())
		}
	}
	return
}

// note logs a problem of r, at warn level only when it differs from the last one logged.
func (p *Pool) note(r *Record, msg string, err error, args ...any) {
	args = append([]any{"module", r.name, "err", err}, args...)
	if key := msg + ": " + problem(err); r.noted != key {
		r.noted = key
		p.log.Warn(msg, args...)
		return
	}
	p.log.Debug(msg, args...)
}

// problem is the part of err that stays the same across attempts: backend messages carry the
// scratch path, which changes on every load.
func problem(err error) string {
	var e *hotrod.Error
	if errors.As(err, &e) {
		return fmt.Sprintf("%s %s: %s %v", e.Op, e.Path, e.Kind, e.Missing)
	}
	return err.Error()
}

// reload must be called with mu held and r unloaded.
func (p *Pool) reload(r *Record, mt time.Time) bool {
	m, err := p.loader.Load(r.path)
	if err != nil {
		r.state = Failed
		r.err = err
		r.stamp = mt
		r.attempts++
		p.note(r, "module reload failed", err, "attempt", r.attempts)
		if p.retry.MaxAttempts > 0 && r.attempts == p.retry.MaxAttempts {
			p.log.Warn("module reload attempts exhausted", "module", r.name, "attempts", r.attempts)
		}
		return false
	}
	r.noted = ""
	r.module = m
	r.state = Loaded
	r.err = nil
	r.attempts = 0
	r.stamp = time.Time{}
	r.loads++
	if _, err = m.Context.OnReload(); err != nil {
		r.err = err
		p.log.Warn("module reload hook failed", "module", r.name, "err", err)
	}
	p.log.Info("module reloaded", "module", r.name, "name", m.Context.Name, "version", m.Context.Version)
	return true
}

// unload must be called with mu held. The unload hook can't veto the release.
func (p *Pool) unload(r *Record) {
	if r.module == nil {
		r.state = Unloaded
		return
	}
	if ok, err := r.module.Context.OnUnload(); err != nil {
		p.log.Warn("module unload hook failed", "module", r.name, "err", err)
	} else if !ok {
		p.log.Warn("module reported unclean unload", "module", r.name)
	}
	p.loader.Unload(r.module)
	r.module = nil
	r.state = Unloaded
}

// UpdateAll runs the update callback of every loaded module, in load order.
func (p *Pool) UpdateAll() {
	p.dispatch("update", (*hotrod.ModuleContext).OnUpdate)
}

// InputAll runs the input callback of every loaded module, in load order.
func (p *Pool) InputAll() {
	p.dispatch("input", (*hotrod.ModuleContext).OnInput)
}

func (p *Pool) dispatch(hook string, call func(*hotrod.ModuleContext) error) {
	p.lock()
	defer p.mu.Unlock()
	for _, name := range p.order {
		r := p.records[name]
		if r.state != Loaded {
			continue
		}
		if err := call(&r.module.Context); err != nil {
			r.err = err
			p.log.Error("module callback failed", "module", name, "hook", hook, "err", err)
		}
	}
}

// Unload releases a module and forgets its name.
func (p *Pool) Unload(name string) error {
	p.lock()
	defer p.mu.Unlock()
	r, ok := p.records[name]
	if !ok {
		return fmt.Errorf("unload %s: %w", name, hotrod.ErrNotFound)
	}
	p.unload(r)
	delete(p.records, name)
	p.order = slices.DeleteFunc(p.order, func(s string) bool { return s == name })
	p.log.Debug("module unloaded", "module", name)
	return nil
}

// UnloadAll releases every module in reverse load order. The Pool stays usable.
func (p *Pool) UnloadAll() {
	p.lock()
	defer p.mu.Unlock()
	p.unloadAll()
}

func (p *Pool) unloadAll() {
	for i := len(p.order) - 1; i >= 0; i-- {
		p.unload(p.records[p.order[i]])
	}
	if len(p.order) > 0 {
		p.log.Debug("all modules unloaded", "count", len(p.order))
	}
	clear(p.records)
	p.order = nil
}

// Close unloads every module and purges the scratch directory. The Pool can't be used afterward.
func (p *Pool) Close() error {
	p.lock()
	defer p.mu.Unlock()
	p.unloadAll()
	p.records = nil
	return p.purge()
}

// Has reports whether name is tracked, in any state.
func (p *Pool) Has(name string) bool {
	p.rlock()
	defer p.mu.RUnlock()
	_, ok := p.records[name]
	return ok
}

// Get returns a snapshot of the record of name.
func (p *Pool) Get(name string) (Info, bool) {
	p.rlock()
	defer p.mu.RUnlock()
	r, ok := p.records[name]
	if !ok {
		return Info{}, false
	}
	return r.info(), true
}

// Names of tracked modules in load order.
func (p *Pool) Names() []string {
	p.rlock()
	defer p.mu.RUnlock()
	return slices.Clone(p.order)
}

// Count of tracked modules.
func (p *Pool) Count() int {
	p.rlock()
	defer p.mu.RUnlock()
	return len(p.order)
}

// Infos returns snapshots of every record in load order.
func (p *Pool) Infos() []Info {
	p.rlock()
	defer p.mu.RUnlock()
	v := make([]Info, 0, len(p.order))
	for _, name := range p.order {
		v = append(v, p.records[name].info())
	}
	return v
}

var dumper = spew.ConfigState{Indent: "  ", MaxDepth: 4, DisablePointerAddresses: true, SortKeys: true}

// Dump writes a report of every record to w. Verbose dumps the full snapshots.
func (p *Pool) Dump(w io.Writer, verbose bool) error {
	infos := p.Infos()
	var err error
	put := func(format string, args ...any) {
		if err == nil {
			_, err = fmt.Fprintf(w, format, args...)
		}
	}
	put("modules: %d\n", len(infos))
	for _, i := range infos {
		put("+ %s @ %s\n", i.Name, i.Path)
		put("    state: %s\n", i.State)
		if i.State == Loaded {
			put("    module: %s %s", i.Context.Name, i.Context.Version)
			if i.Context.Author != "" {
				put(" by %s", i.Context.Author)
			}
			put("\n")
		}
		if i.Err != nil {
			put("    error: %s\n", i.Err)
		}
		if verbose && err == nil {
			dumper.Fdump(w, i)
		}
	}
	return err
}

func (r *Record) info() Info {
	i := Info{
		Name:     r.name,
		Path:     r.path,
		State:    r.state,
		Err:      r.err,
		Attempts: r.attempts,
		Loads:    r.loads,
	}
	if r.module != nil {
		i.Scratch = r.module.Scratch
		i.Modified = r.module.Modified
		i.Context = r.module.Context.Detach()
	}
	return i
}
