package vmcontext

import (
	"plugin"
	"strings"
	"sync"

	"github.com/xiaoxuan-lang/corevm/internal/vmerr"
)

// Loader implements the two operations spec.md §4.10 abstracts external
// symbol resolution behind: load_library(path_or_name) -> handle and
// load_symbol(handle, name) -> pointer. No third-party dlopen/dlsym
// binding lives anywhere in the corpus (see DESIGN.md); the standard
// library's plugin package is the closest idiomatic stand-in for
// "resolve a named shared library, then a named symbol within it", so
// this one leaf is stdlib by necessity rather than by default.
type Loader struct {
	mu        sync.Mutex
	libraries map[string]*plugin.Plugin
}

func NewLoader() *Loader {
	return &Loader{libraries: map[string]*plugin.Plugin{}}
}

// LoadLibrary resolves pathOrName per spec.md §4.10: a path when it
// contains a separator, a system-wide shared-library name otherwise (in
// which case this implementation looks for it relative to the current
// working directory, since Go's plugin package has no library search
// path of its own).
func (l *Loader) LoadLibrary(pathOrName string) (*plugin.Plugin, error) {
	path := pathOrName
	if !strings.ContainsRune(pathOrName, '/') {
		path = "./" + pathOrName
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if p, ok := l.libraries[path]; ok {
		return p, nil
	}
	p, err := plugin.Open(path)
	if err != nil {
		return nil, &vmerr.ExternalLoadError{Library: pathOrName, Cause: err}
	}
	l.libraries[path] = p
	return p, nil
}

// LoadSymbol resolves name within an already-loaded library handle.
func (l *Loader) LoadSymbol(library *plugin.Plugin, name string) (plugin.Symbol, error) {
	sym, err := library.Lookup(name)
	if err != nil {
		return nil, &vmerr.ExternalLoadError{Symbol: name, Cause: err}
	}
	return sym, nil
}
