package hotrod

import (
	"maps"
	"slices"
	"sync"

	"github.com/ZenLiuCN/fn"
	"github.com/pkujhd/goloader"
)

type (
	// Symbols contains resolved symbols a goloader image links against.
	Symbols interface {
		Symbols() []string //resolved symbol names, sorted
		Has(name string) bool
	}
	symbols map[string]uintptr
)

// runtimeSymbols is the symbol table of the host executable, read once per process.
var runtimeSymbols = sync.OnceValues(func() (map[string]uintptr, error) {
	m := make(map[string]uintptr)
	if err := goloader.RegSymbol(m); err != nil {
		return nil, err
	}
	return m, nil
})

// NewSymbols create a Symbols with the host executable's symbols.
func NewSymbols() (Symbols, error) {
	m, err := runtimeSymbols()
	if err != nil {
		return nil, err
	}
	return symbols(maps.Clone(m)), nil
}

// Symbols dump symbol names inside Symbol
func (s symbols) Symbols() []string {
	k := fn.MapKeys(s)
	slices.Sort(k)
	return k
}

func (s symbols) Has(name string) bool {
	_, ok := s[name]
	return ok
}
