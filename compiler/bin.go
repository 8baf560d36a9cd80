package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/ZenLiuCN/hotrod"
	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v2"
)

func main() {
	app := cli.NewApp()
	app.Usage = "hotrod module compiler"
	app.Name = "compiler"
	app.Description = "compiles go sources into objfiles loadable by the goloader backend, and publishes them atomically into a watched directory"
	app.Flags = []cli.Flag{
		&cli.BoolFlag{
			Name:    "debug",
			Aliases: []string{"d"},
		},
	}
	app.Commands = []*cli.Command{
		{
			Name:   "compile",
			Action: compile,
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "pkg", Aliases: []string{"k"}, Value: "main", Usage: "package import path the module is compiled as"},
				&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Value: ".", Usage: "directory the objfile is published into"},
				&cli.StringFlag{Name: "name", Aliases: []string{"n"}, Usage: "module name, the working directory name by default"},
			},
			Args:  true,
			Usage: "compile go source to objfile. the arguments can be list of go sources or '.' for lookup at working directory.",
		},
		{
			Name:   "prepare",
			Action: prepare,
			Usage:  "copy internals of go sdk",
		},
		{
			Name:   "clean",
			Action: clean,
			Usage:  "remove copied internals of go sdk",
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal("failure", "err", err)
	}
}

func logger(ctx *cli.Context) *slog.Logger {
	l := log.NewWithOptions(os.Stderr, log.Options{Prefix: "compiler"})
	if ctx.Bool("debug") {
		l.SetLevel(log.DebugLevel)
	}
	return slog.New(l)
}

func compile(ctx *cli.Context) (err error) {
	l := logger(ctx)
	o := ctx.Args().Slice()
	if len(o) == 0 {
		return fmt.Errorf("missing target sources list")
	}
	if len(o) == 1 && o[0] == "." {
		l.Debug("will use all .go files as sources")
		if o, err = lookup(); err != nil {
			return
		}
		l.Info("found go sources at working directory", "sources", o)
	}
	if _, err = exec.LookPath("go"); err != nil {
		return fmt.Errorf("missing go sdk: %w", err)
	}
	name := ctx.String("name")
	if name == "" {
		var wd string
		if wd, err = os.Getwd(); err != nil {
			return
		}
		name = filepath.Base(wd)
	}
	tmp, err := os.MkdirTemp("", "hotrod-compile-*")
	if err != nil {
		return
	}
	defer func() { _ = os.RemoveAll(tmp) }()
	cfg := filepath.Join(tmp, "importcfg")
	if err = hotrod.Imports(l, cfg, o); err != nil {
		return fmt.Errorf("generate importcfg: %w", err)
	}
	obj := filepath.Join(tmp, name+".o")
	if err = hotrod.Compile(l, cfg, ctx.String("pkg"), obj, o); err != nil {
		return fmt.Errorf("compile %s: %w", name, err)
	}
	dest, err := hotrod.Publish(obj, ctx.String("out"), name+".o")
	if err != nil {
		return fmt.Errorf("publish %s: %w", name, err)
	}
	l.Info("module published", "file", dest)
	return
}

func lookup() (v []string, err error) {
	var wd string
	wd, err = os.Getwd()
	if err != nil {
		return
	}
	var e []os.DirEntry
	e, err = os.ReadDir(wd)
	if err != nil {
		return
	}
	for _, entry := range e {
		if entry.IsDir() {
			continue
		}
		n := entry.Name()
		if strings.HasSuffix(n, ".go") && !strings.HasSuffix(n, "_test.go") {
			v = append(v, n)
		}
	}
	return
}

func clean(ctx *cli.Context) (err error) {
	l := logger(ctx)
	dir := os.ExpandEnv("$GOROOT/src/cmd/objfile")
	l.Debug("clean go sdk", "dir", dir)
	if _, err = os.Stat(dir); err == nil {
		err = os.RemoveAll(dir)
		l.Debug("removed", "dir", dir)
	} else {
		l.Debug("did nothing", "dir", dir)
		err = nil
	}
	return
}

func prepare(ctx *cli.Context) (err error) {
	l := logger(ctx)
	src := os.ExpandEnv("$GOROOT/src/cmd/internal")
	dir := os.ExpandEnv("$GOROOT/src/cmd/objfile")
	l.Debug("prepare go sdk", "from", src, "to", dir)
	if _, err = os.Stat(dir); err != nil && os.IsNotExist(err) {
		err = hotrod.CopyDir(src, dir, nil)
		l.Debug("copied", "dir", dir, "from", src)
	} else {
		l.Debug("did nothing", "dir", dir)
	}
	return
}
