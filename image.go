package hotrod

import (
	"unsafe"
)

type (
	//Sym is a resolved symbol address. The loader performs no type checking: the caller
	//casts it with [As] to the signature it agreed on with the module.
	Sym uintptr
	// Image is a mapped native code image, exclusively owned by one Module.
	Image interface {
		Lookup(symbol string) (Sym, error)     //untyped symbol lookup, ErrSymbol when absent
		Bind(entry Sym) (ModuleContext, error) //run the entry symbol and translate the context it fills
		Close() error                          //release the image
	}
	// Opener opens code images of one backend (goloader objects, native shared libraries, ...).
	Opener interface {
		Open(path string) (Image, error)
		Entry() string //default entry symbol for images of this backend
	}
)

// As converts a fetched Sym to the contract type.
func As[T any](ptr Sym) (x T) {
	px := (*T)(unsafe.Pointer(&ptr))
	x = *px
	return
}
