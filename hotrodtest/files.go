package hotrodtest

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ZenLiuCN/fn"
	"gopkg.in/yaml.v3"
)

// WriteModule publishes spec as dir/file by write-then-rename. The mtime of the result is
// always later than the mtime of the file it replaces, even on coarse clock filesystems.
func WriteModule(t testing.TB, dir, file string, spec Spec) string {
	t.Helper()
	bin, err := yaml.Marshal(spec)
	if err != nil {
		t.Fatalf("encode fake module: %v", err)
	}
	dest := filepath.Join(dir, file)
	tmp, err := os.CreateTemp(dir, ".write-*")
	if err != nil {
		t.Fatalf("write fake module: %v", err)
	}
	_, err = tmp.Write(bin)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		t.Fatalf("write fake module: %v", err)
	}
	mt := time.Now()
	if si, err := os.Stat(dest); err == nil && !mt.After(si.ModTime()) {
		mt = si.ModTime().Add(time.Second)
	}
	if err = os.Rename(tmp.Name(), dest); err != nil {
		t.Fatalf("publish fake module: %v", err)
	}
	Touch(t, dest, mt)
	return dest
}

// Touch sets the mtime of path.
func Touch(t testing.TB, path string, mt time.Time) {
	t.Helper()
	if err := os.Chtimes(path, mt, mt); err != nil {
		t.Fatalf("touch %s: %v", path, err)
	}
}

// Bump moves the mtime of path forward without changing its content.
func Bump(t testing.TB, path string) {
	t.Helper()
	si := fn.Panic1(os.Stat(path))
	Touch(t, path, si.ModTime().Add(time.Second))
}

// Files lists the regular files in dir, nil when dir doesn't exist.
func Files(t testing.TB, dir string) (names []string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		t.Fatalf("list %s: %v", dir, err)
	}
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	return
}
