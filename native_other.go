//go:build !(darwin || linux)

package hotrod

import (
	"fmt"
	"log/slog"
	"unsafe"
)

// Native opens C ABI shared libraries. It is only available on darwin and linux.
type Native struct {
	Symbol string
	Logger *slog.Logger
}

// NativeEntry is the entry symbol native modules export.
const NativeEntry = "module_load"

func (n *Native) Entry() string {
	if n.Symbol == "" {
		return NativeEntry
	}
	return n.Symbol
}

func (n *Native) Open(path string) (Image, error) {
	return nil, fmt.Errorf("open %s: %w", path, ErrUnsupported)
}

func (t *Tester) Export() unsafe.Pointer {
	return nil
}
