package hotrod

import (
	"fmt"
	"runtime"
	"slices"
	"sync"
	"unsafe"
)

// CapabilityKind enumerates the host services a module can request during init.
type CapabilityKind int

const (
	CapUnknown CapabilityKind = iota
	CapTest
	CapThreadPool
	CapDispatcher
	CapRenderer
)

// String returns the wire name native modules look capabilities up by.
func (k CapabilityKind) String() string {
	switch k {
	case CapTest:
		return "SUB_TEST"
	case CapThreadPool:
		return "SUB_THREAD_POOL"
	case CapDispatcher:
		return "SUB_DISPATCHER"
	case CapRenderer:
		return "SUB_IMGUI"
	default:
		return "unknown"
	}
}

type (
	// Capability is one published host service.
	Capability struct {
		Kind  CapabilityKind
		Value any
	}
	// Exporter is implemented by capabilities reachable from native (C ABI) modules.
	//
	// The returned pointer must stay valid for the process lifetime.
	Exporter interface {
		Export() unsafe.Pointer
	}
	// EngineContext is the capability table handed to every module's init callback.
	//
	// It is append-only: a published capability is never replaced or removed, so a value
	// obtained during init stays valid for the process lifetime.
	EngineContext struct {
		mu    sync.RWMutex
		caps  []Capability
		index map[CapabilityKind]int
	}
)

// NewEngineContext creates an engine context with the given capabilities published in order.
func NewEngineContext(caps ...Capability) (*EngineContext, error) {
	e := &EngineContext{index: make(map[CapabilityKind]int, len(caps))}
	for _, c := range caps {
		if err := e.Publish(c.Kind, c.Value); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// MaxCapabilities is the size limit of the table, its count is a uint8 in engine_context_t.
const MaxCapabilities = 255

// Publish appends a capability. Each kind can be published only once.
func (e *EngineContext) Publish(kind CapabilityKind, value any) error {
	if kind == CapUnknown || value == nil {
		return fmt.Errorf("publish %s: %w", kind, ErrCapabilityType)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.index == nil {
		e.index = make(map[CapabilityKind]int)
	}
	if _, ok := e.index[kind]; ok {
		return fmt.Errorf("publish %s: %w", kind, ErrAlreadyPublished)
	}
	if len(e.caps) >= MaxCapabilities {
		return fmt.Errorf("publish %s: %w", kind, ErrCapabilityLimit)
	}
	e.index[kind] = len(e.caps)
	e.caps = append(e.caps, Capability{Kind: kind, Value: value})
	return nil
}

// Get returns the raw published value of kind.
func (e *EngineContext) Get(kind CapabilityKind) (v any, ok bool) {
	if e == nil {
		return nil, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	i, ok := e.index[kind]
	if !ok {
		return nil, false
	}
	return e.caps[i].Value, true
}

// Capabilities returns the published capabilities in publication order.
func (e *EngineContext) Capabilities() []Capability {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Clone(e.caps)
}

// Len is the number of published capabilities.
func (e *EngineContext) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.caps)
}

// Lookup fetches the capability of kind as T.
func Lookup[T any](e *EngineContext, kind CapabilityKind) (t T, err error) {
	v, ok := e.Get(kind)
	if !ok {
		err = fmt.Errorf("lookup %s: %w", kind, ErrCapabilityMissing)
		return
	}
	t, ok = v.(T)
	if !ok {
		err = fmt.Errorf("lookup %s as %T: %w", kind, t, ErrCapabilityType)
	}
	return
}

type (
	// Tester is the CapTest service: a print sink and a module dump, for diagnostics.
	//
	// Publish it by pointer; native modules reach it through Export.
	Tester struct {
		Print func(s string)
		Dump  func(ctx *ModuleContext)

		once   sync.Once
		pin    runtime.Pinner
		native *nativeTester
	}
	nativeTester struct {
		dump  uintptr
		print uintptr
	}
)
