package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/ZenLiuCN/hotrod"
	"github.com/ZenLiuCN/hotrod/config"
	"github.com/ZenLiuCN/hotrod/pool"
	"github.com/ZenLiuCN/hotrod/tick"
	"github.com/charmbracelet/log"
	"github.com/davecgh/go-spew/spew"
	"github.com/urfave/cli/v2"
)

func main() {
	app := cli.NewApp()
	app.Usage = "hot reload host for native modules"
	app.Name = "hotrod"
	app.Description = "hotrod discovers modules in watched directories, reloads them when rebuilt and ticks their callbacks"
	app.Flags = []cli.Flag{
		&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "config file, hotrod.{yaml,toml,json} in working directory by default"},
		&cli.BoolFlag{Name: "debug", Aliases: []string{"d"}, Usage: "debug logging"},
	}
	app.Commands = []*cli.Command{
		{
			Name:   "run",
			Action: run,
			Usage:  "run the host loop",
			Flags: []cli.Flag{
				&cli.StringSliceFlag{Name: "watch", Aliases: []string{"w"}, Usage: "watch directories"},
				&cli.StringFlag{Name: "backend", Aliases: []string{"b"}, Usage: "native or goloader"},
				&cli.IntFlag{Name: "max-ticks", Aliases: []string{"n"}, Usage: "stop after n ticks"},
				&cli.DurationFlag{Name: "interval", Aliases: []string{"i"}, Usage: "time between ticks"},
			},
		},
		{
			Name:   "inspect",
			Action: inspect,
			Usage:  "load modules once and print their context",
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "dump the whole context"},
				&cli.StringSliceFlag{Name: "symbol", Aliases: []string{"s"}, Usage: "resolve extra symbols"},
			},
			Args: true,
		},
		{
			Name:   "imports",
			Action: imports,
			Usage:  "display imports of go objfile or go archive file",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "pkg", Aliases: []string{"p"}, Usage: "package path or default main"},
				&cli.BoolFlag{Name: "missing", Aliases: []string{"m"}, Usage: "list symbols this host can't resolve"},
				&cli.BoolFlag{Name: "symbols", Aliases: []string{"s"}, Usage: "list symbols inside the objfile"},
			},
			Args: true,
		},
		{
			Name:   "symbols",
			Action: symbols,
			Usage:  "list symbols of this host goloader modules can link against",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "prefix", Aliases: []string{"p"}, Usage: "only symbols with this prefix"},
			},
			Args: true,
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal("failure", "err", err)
	}
}

func settings(ctx *cli.Context) (c *config.Config, err error) {
	if c, err = config.Load(ctx.String("config")); err != nil {
		return
	}
	if ctx.Bool("debug") {
		c.Log.Level = "debug"
	}
	if ctx.IsSet("watch") {
		c.Watch = ctx.StringSlice("watch")
	}
	if ctx.IsSet("backend") {
		c.Backend = config.Backend(ctx.String("backend"))
	}
	if ctx.IsSet("max-ticks") {
		c.MaxTicks = ctx.Int("max-ticks")
	}
	if ctx.IsSet("interval") {
		c.Interval = ctx.Duration("interval")
	}
	return c, c.Validate()
}

func newLogger(c config.Log, w io.Writer) *slog.Logger {
	level, err := log.ParseLevel(c.Level)
	if err != nil {
		level = log.InfoLevel
	}
	f := log.TextFormatter
	switch c.Format {
	case "json":
		f = log.JSONFormatter
	case "logfmt":
		f = log.LogfmtFormatter
	}
	return slog.New(log.NewWithOptions(w, log.Options{
		Level:           level,
		Formatter:       f,
		ReportTimestamp: true,
		Prefix:          "hotrod",
	}))
}

func opener(c *config.Config, l *slog.Logger) hotrod.Opener {
	if c.Backend == config.Goloader {
		return &hotrod.Goloader{Package: c.Package, Sync: true, Logger: l}
	}
	return &hotrod.Native{Symbol: c.Entry, Logger: l}
}

func tester(l *slog.Logger) *hotrod.Tester {
	return &hotrod.Tester{
		Print: func(s string) { l.Info(s, "from", "module") },
		Dump: func(m *hotrod.ModuleContext) {
			l.Debug("dumping module", "module", m.Name)
			spew.Fdump(os.Stderr, m.Detach())
		},
	}
}

func run(ctx *cli.Context) (err error) {
	c, err := settings(ctx)
	if err != nil {
		return
	}
	l := newLogger(c.Log, os.Stderr)
	slog.SetDefault(l)
	engine, err := hotrod.NewEngineContext(hotrod.Capability{Kind: hotrod.CapTest, Value: tester(l)})
	if err != nil {
		return
	}
	loader := hotrod.NewLoader(opener(c, l), hotrod.WithScratchDir(c.ScratchDir), hotrod.WithEntry(c.Entry), hotrod.WithLogger(l))
	p := pool.New(loader,
		pool.WithDirs(c.Watch...),
		pool.WithExtension(c.ModuleExt()),
		pool.WithPattern(c.Pattern),
		pool.WithEngine(engine),
		pool.WithLogger(l),
		pool.WithRetry(pool.RetryPolicy{
			MaxAttempts: c.Retry.MaxAttempts,
			OnExhausted: func(i pool.Info) {
				l.Error("module gave up reloading, rebuild it to retry", "module", i.Name, "err", i.Err)
			},
		}),
	)
	d := &tick.Driver{
		Pool:          p,
		Interval:      c.Interval,
		MaxTicks:      c.MaxTicks,
		DiscoverEvery: c.Discover,
		Input:         c.Input,
		Logger:        l,
	}
	if c.Notify {
		d.Watch = c.Watch
	}
	sc, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	l.Info("hotrod starting", "watch", c.Watch, "backend", c.Backend, "ext", c.ModuleExt())
	err = d.Run(sc)
	l.Info("finishing", "ticks", d.Ticks())
	if derr := p.Dump(os.Stdout, c.Log.Level == "debug"); derr != nil {
		l.Warn("dump", "err", derr)
	}
	if cerr := p.Close(); cerr != nil {
		l.Warn("clean scratch directory", "err", cerr)
	}
	return
}

func inspect(ctx *cli.Context) (err error) {
	files := ctx.Args().Slice()
	if len(files) == 0 {
		return fmt.Errorf("missing module files")
	}
	c, err := settings(ctx)
	if err != nil {
		return
	}
	l := newLogger(c.Log, os.Stderr)
	scratch, err := os.MkdirTemp("", "hotrod-inspect-*")
	if err != nil {
		return
	}
	defer func() { _ = os.RemoveAll(scratch) }()
	loader := hotrod.NewLoader(opener(c, l), hotrod.WithScratchDir(scratch), hotrod.WithEntry(c.Entry), hotrod.WithLogger(l))
	for _, f := range files {
		var m *hotrod.Module
		if m, err = loader.Load(f); err != nil {
			return
		}
		x := m.Context
		fmt.Printf("%s\n\tname: %s\n\tversion: %s\n\tauthor: %s\n\tdescription: %s\n\treload: %t\n",
			filepath.Base(f), x.Name, x.Version, x.Author, x.Description, x.Reload != nil)
		for _, s := range ctx.StringSlice("symbol") {
			if p, rerr := loader.Resolve(m, s); rerr != nil {
				fmt.Printf("\t%s: %s\n", s, rerr)
			} else {
				fmt.Printf("\t%s: %#x\n", s, uintptr(p))
			}
		}
		if ctx.Bool("verbose") {
			spew.Dump(x.Detach())
		}
		loader.Unload(m)
	}
	return
}

func imports(ctx *cli.Context) (err error) {
	g := &hotrod.Goloader{Package: ctx.String("pkg")}
	for _, s := range ctx.Args().Slice() {
		var v *hotrod.Info
		if v, err = hotrod.ObjectImports(s, ctx.String("pkg")); err != nil {
			return
		}
		fmt.Printf("%s (%s)\n%s", v.File, v.PkgPath, v.String())
		if ctx.Bool("missing") {
			var miss []string
			if miss, err = g.MissingSymbols(s); err != nil {
				return
			}
			for _, sym := range miss {
				fmt.Printf("\tmissing %s\n", sym)
			}
		}
		if ctx.Bool("symbols") {
			var syms []string
			if syms, err = hotrod.Inspect(s, ctx.String("pkg")); err != nil {
				return
			}
			for _, sym := range syms {
				fmt.Printf("\tsymbol %s\n", sym)
			}
		}
	}
	return
}

// symbols lists host symbols, or checks the names given as arguments.
func symbols(ctx *cli.Context) (err error) {
	s, err := hotrod.NewSymbols()
	if err != nil {
		return
	}
	if ctx.Args().Present() {
		for _, name := range ctx.Args().Slice() {
			fmt.Printf("%s\t%t\n", name, s.Has(name))
		}
		return
	}
	for _, name := range s.Symbols() {
		if strings.HasPrefix(name, ctx.String("prefix")) {
			fmt.Println(name)
		}
	}
	return
}
