package hotrod

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultScratchDir is where scratch copies are made when no directory is configured.
const DefaultScratchDir = ".hotrod"

type (
	// Module is one loaded image together with its scratch copy and context.
	//
	// The original file at Path is never opened for loading, so the operator can rebuild it
	// while the module is resident.
	Module struct {
		Path     string    //original module file
		Scratch  string    //scratch copy the image was opened from
		Modified time.Time //source mtime sampled right before the scratch copy was made
		Context  ModuleContext
		image    Image
	}
	// Loader copies module files to a scratch directory and opens the copies with an Opener.
	Loader struct {
		opener  Opener
		scratch string
		entry   string
		log     *slog.Logger

		mu   sync.Mutex
		last int64
		live map[string]struct{}
	}
	// LoaderOption configures a Loader.
	LoaderOption func(*Loader)
)

// WithScratchDir sets the scratch directory, created on demand.
func WithScratchDir(dir string) LoaderOption {
	return func(l *Loader) {
		if dir != "" {
			l.scratch = dir
		}
	}
}

// WithEntry overrides the backend's entry symbol.
func WithEntry(symbol string) LoaderOption {
	return func(l *Loader) {
		if symbol != "" {
			l.entry = symbol
		}
	}
}

// WithLogger sets the logger of the Loader.
func WithLogger(log *slog.Logger) LoaderOption {
	return func(l *Loader) {
		if log != nil {
			l.log = log
		}
	}
}

// NewLoader creates a Loader opening images with opener.
func NewLoader(opener Opener, opts ...LoaderOption) *Loader {
	if opener == nil {
		panic(ErrUninitialized)
	}
	l := &Loader{
		opener:  opener,
		scratch: DefaultScratchDir,
		entry:   opener.Entry(),
		log:     slog.Default(),
		live:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	if abs, err := filepath.Abs(l.scratch); err == nil {
		l.scratch = abs
	}
	return l
}

// ScratchDir is the absolute scratch directory.
func (l *Loader) ScratchDir() string {
	return l.scratch
}

// EntrySymbol is the symbol every image must export.
func (l *Loader) EntrySymbol() string {
	return l.entry
}

// Stem is the file name of path without directory and extension; it names the module.
func Stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// ScratchName derives the scratch file name of path for a stamp: <stem>_<stamp><ext>.
func ScratchName(path string, stamp int64) string {
	return Stem(path) + "_" + strconv.FormatInt(stamp, 10) + filepath.Ext(path)
}

// IsScratchName reports whether file has the <stem>_<stamp><ext> shape of a scratch copy.
func IsScratchName(file string) bool {
	base := filepath.Base(file)
	core := strings.TrimSuffix(base, filepath.Ext(base))
	i := strings.LastIndexByte(core, '_')
	if i <= 0 || i == len(core)-1 {
		return false
	}
	for _, c := range core[i+1:] {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// stamp is a wall clock timestamp that never repeats within the Loader.
func (l *Loader) stamp() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := time.Now().UnixNano()
	if n <= l.last {
		n = l.last + 1
	}
	l.last = n
	return n
}

// Load copies path to a fresh scratch file, opens it, runs the entry symbol and validates the
// callback table. On failure no scratch file or image is retained.
func (l *Loader) Load(path string) (m *Module, err error) {
	if path == "" {
		return nil, &Error{Kind: ErrPath, Op: "load"}
	}
	if err = os.MkdirAll(l.scratch, 0o755); err != nil {
		return nil, fail(ErrCopy, "scratch", path, err)
	}
	si, err := os.Stat(path)
	if err != nil {
		return nil, fail(ErrCopy, "stat", path, err)
	}
	if !si.Mode().IsRegular() {
		return nil, fail(ErrPath, "load", path, errors.New("not a regular file"))
	}
	scratch := filepath.Join(l.scratch, ScratchName(path, l.stamp()))
	if err = CopyFile(path, scratch, si); err != nil {
		l.remove(scratch)
		return nil, fail(ErrCopy, "copy", path, err)
	}
	img, err := l.opener.Open(scratch)
	if err != nil {
		l.remove(scratch)
		return nil, fail(ErrLoad, "open", path, err)
	}
	release := func() {
		if cerr := img.Close(); cerr != nil {
			l.log.Warn("close rejected image", "path", path, "err", cerr)
		}
		l.remove(scratch)
	}
	entry, err := img.Lookup(l.entry)
	if err != nil {
		release()
		return nil, &Error{Kind: ErrSymbol, Op: "resolve", Path: path, Missing: []string{l.entry}, Err: err}
	}
	ctx, err := img.Bind(entry)
	if err != nil {
		release()
		return nil, fail(ErrLoad, "bind", path, err)
	}
	if missing := ctx.validate(); len(missing) > 0 {
		release()
		return nil, &Error{Kind: ErrSymbol, Op: "bind", Path: path, Missing: missing}
	}
	l.mu.Lock()
	l.live[scratch] = struct{}{}
	l.mu.Unlock()
	l.log.Debug("module image loaded", "path", path, "scratch", scratch, "module", ctx.Name, "version", ctx.Version)
	return &Module{Path: path, Scratch: scratch, Modified: si.ModTime(), Context: ctx, image: img}, nil
}

// Unload releases the image of m and deletes its scratch copy. Failures are logged: the OS may
// keep the file mapped for a moment after the image is closed.
func (l *Loader) Unload(m *Module) {
	if m == nil || m.image == nil {
		return
	}
	if err := m.image.Close(); err != nil {
		l.log.Warn("module image close failed", "path", m.Path, "err", err)
	}
	m.image = nil
	l.mu.Lock()
	delete(l.live, m.Scratch)
	l.mu.Unlock()
	l.remove(m.Scratch)
	m.Scratch = ""
	m.Context = ModuleContext{}
	m.Modified = time.Time{}
}

// Resolve looks up any symbol of a loaded module.
func (l *Loader) Resolve(m *Module, symbol string) (Sym, error) {
	if m == nil || m.image == nil {
		return 0, fail(ErrUninitialized, "resolve", "", nil)
	}
	return m.image.Lookup(symbol)
}

// Purge deletes scratch copies no resident module owns, such as copies left by a crashed host.
// Files not named like a scratch copy are never touched.
func (l *Loader) Purge() (n int, err error) {
	entries, err := os.ReadDir(l.scratch)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range entries {
		if !e.Type().IsRegular() || !IsScratchName(e.Name()) {
			continue
		}
		p := filepath.Join(l.scratch, e.Name())
		if _, ok := l.live[p]; ok {
			continue
		}
		if rerr := os.Remove(p); rerr != nil {
			err = errors.Join(err, rerr)
			continue
		}
		n++
	}
	return
}

func (l *Loader) remove(p string) {
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		l.log.Warn("scratch copy not removed", "scratch", p, "err", err)
	}
}

// Loaded reports whether m still holds an image.
func (m *Module) Loaded() bool {
	return m != nil && m.image != nil
}

// Name of the module, derived from its file name.
func (m *Module) Name() string {
	return Stem(m.Path)
}
