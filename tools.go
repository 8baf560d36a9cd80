package hotrod

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/ZenLiuCN/fn"
	"github.com/pkujhd/goloader"
	"github.com/pkujhd/goloader/obj"
)

// CopyFile from src to dest with optional src file info. dest is synced before return.
func CopyFile(src string, dest string, si fs.FileInfo) (err error) {
	sf, err := os.Open(src)
	if err != nil {
		return err
	}
	defer fn.IgnoreClose(sf)
	if si == nil {
		if si, err = sf.Stat(); err != nil {
			return
		}
	}
	df, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, si.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err = io.Copy(df, sf); err == nil {
		err = df.Sync()
	}
	if err = errors.Join(err, df.Close()); err == nil {
		err = os.Chmod(dest, si.Mode().Perm())
	}
	return
}

// CopyDir from src to dest with optional src file info
func CopyDir(src string, dest string, si fs.FileInfo) (err error) {
	if si == nil {
		si, err = os.Stat(src)
		if err != nil {
			return err
		}
	}
	err = os.MkdirAll(dest, si.Mode())
	if err != nil {
		return err
	}
	var sp string
	return filepath.Walk(src, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == src {
			return nil
		}
		sp, err = filepath.Rel(src, filepath.Dir(path))
		if err != nil {
			return err
		}
		dp := filepath.Join(dest, sp, info.Name())
		if info.IsDir() {
			err = CopyDir(path, dp, info)
		} else {
			err = CopyFile(path, dp, info)
		}
		return err
	})
}

// Publish atomically places src into dir under name: the file is copied next to its final path
// and renamed over it, so a watching host never samples a partially written module.
func Publish(src, dir, name string) (dest string, err error) {
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return
	}
	dest = filepath.Join(dir, name)
	tmp, err := os.CreateTemp(dir, "."+name+".*.tmp")
	if err != nil {
		return
	}
	tp := tmp.Name()
	_ = tmp.Close()
	if err = CopyFile(src, tp, nil); err != nil {
		_ = os.Remove(tp)
		return
	}
	if err = os.Rename(tp, dest); err != nil {
		_ = os.Remove(tp)
	}
	return
}

// Compile go sources of package pkg into the object file out, using the importcfg at cfg.
func Compile(log *slog.Logger, cfg, pkg, out string, sources []string) (err error) {
	args := append([]string{"tool", "compile", "-importcfg", cfg, "-p", pkg, "-o", out}, sources...)
	cmd := exec.Command("go", args...)
	log.Debug("execute", "args", cmd.Args)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// Imports generate an importcfg for sources at cfg.
func Imports(log *slog.Logger, cfg string, sources []string) (err error) {
	log.Debug("resolve imports", "sources", sources)
	cmd := exec.Command("go", append([]string{"list", "-export", "-f", "{{.Imports}}"}, sources...)...)
	log.Debug("execute", "args", cmd.Args)
	var bout []byte
	if bout, err = cmd.Output(); err != nil {
		return fmt.Errorf("inspect imports: %w%s", err, stderrOf(err))
	}
	out := strings.TrimSpace(string(bout))
	if out != "" && out[0] == '[' {
		out = out[1 : len(out)-1]
	}
	in := strings.Fields(out)
	log.Debug("dependencies", "imports", in)
	cmd = exec.Command("go", append([]string{"list", "-export", "-f", "{{if .Export}}packagefile {{.ImportPath}}={{.Export}}{{end}}", "std"}, in...)...)
	log.Debug("execute", "args", cmd.Args)
	if bout, err = cmd.Output(); err != nil {
		return fmt.Errorf("inspect dependencies: %w%s", err, stderrOf(err))
	}
	return os.WriteFile(cfg, bout, 0o644)
}

func stderrOf(err error) string {
	var ee *exec.ExitError
	if errors.As(err, &ee) && len(ee.Stderr) > 0 {
		return "\n" + string(ee.Stderr)
	}
	return ""
}

// ObjectImports resolve all imported packages and version (only if it's a module) of an object file.
func ObjectImports(file, pkgPath string) (info *Info, err error) {
	v := &obj.Pkg{Syms: make(map[string]*obj.ObjSymbol, 0), File: file, PkgPath: pkgPath}
	if v.PkgPath == obj.EmptyString {
		v.PkgPath = "main"
	}
	if err = v.Symbols(); err != nil {
		return
	}
	info = parseInfo(v)
	info.File = file
	info.PkgPath = v.PkgPath
	return
}

// Info contains the import information of an object file
type Info struct {
	File    string
	PkgPath string
	Imports map[string]string // with pairs of package import path and version
}

func (i Info) String() string {
	s := strings.Builder{}
	for p, v := range i.Imports {
		if v != "" {
			s.WriteString(fmt.Sprintf("\t%s@%s\n", p, v))
		} else {
			s.WriteString(fmt.Sprintf("\t%s\n", p))
		}
	}
	return s.String()
}

func parseInfo(v *obj.Pkg) (i *Info) {
	i = new(Info)
	i.Imports = make(map[string]string)
	for _, pkg := range v.ImportPkgs {
		i.Imports[pkg] = ""
	}
	k := fn.MapKeys(i.Imports)
	for _, f := range v.CUFiles {
		f = strings.TrimPrefix(f, "gofile..")
		if strings.HasPrefix(f, "$GOROOT") {
			continue
		}
		if strings.IndexByte(f, '!') >= 0 {
			f = parseName(f)
		}
		for _, s := range k {
			x := strings.Index(f, s)
			if x < 0 {
				continue
			}
			f = f[x:]
			if i.Imports[s] != "" {
				continue
			}
			y := strings.IndexByte(f, '@')
			if y < 0 {
				continue
			}
			ver := f[y+1:]
			if y = strings.IndexByte(ver, '/'); y >= 0 {
				ver = ver[:y]
			}
			i.Imports[s] = ver
		}
	}
	return
}

// parseName decodes module cache escaping: "!x" stands for "X".
func parseName(f string) string {
	v := strings.Builder{}
	x := false
	for _, i := range []byte(f) {
		switch {
		case i == '!':
			x = true
		case x:
			x = false
			v.WriteByte(i - 32)
		default:
			v.WriteByte(i)
		}
	}
	return v.String()
}

// Inspect display symbols inside an object file
func Inspect(file, pkg string) ([]string, error) {
	return goloader.Parse(file, pkg)
}
