package sample

import (
	"fmt"

	"github.com/ZenLiuCN/hotrod"
)

// go:generate go install github.com/ZenLiuCN/hotrod/compiler@latest
//
//go:generate compiler compile -k sample -n counter -o .. counter.go
var (
	ticks int
	test  *hotrod.Tester
)

func ModuleLoad(ctx *hotrod.ModuleContext) {
	ctx.Name = "counter"
	ctx.Description = "counts ticks"
	ctx.Author = "hotrod"
	ctx.Version = hotrod.Version{Major: 1, Minor: 0}
	ctx.Init = func(e *hotrod.EngineContext) bool {
		t, err := hotrod.Lookup[*hotrod.Tester](e, hotrod.CapTest)
		if err != nil {
			return false
		}
		test = t
		test.Print("counter ready")
		return true
	}
	ctx.Input = func() {}
	ctx.Update = func() {
		ticks++
		if test != nil && ticks%60 == 0 {
			test.Print(fmt.Sprintf("counter at %d", ticks))
		}
	}
	ctx.Unload = func() bool {
		test = nil
		return true
	}
	ctx.Reload = func() {
		ticks = 0
	}
}

func Ticks() int {
	return ticks
}
