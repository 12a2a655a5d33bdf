// Package vmcontext implements the process and thread contexts (C7,
// C8) and the multithread runtime (C13): the two levels of shared
// mutable state spec.md §4.5/§4.6/§9 describes, wiring together
// internal/image, internal/instance, internal/interpreter,
// internal/envcall, internal/sysbridge, and internal/trampoline behind
// the Env interfaces those packages expose.
package vmcontext

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"

	"go.uber.org/zap"

	"github.com/xiaoxuan-lang/corevm/internal/capability"
	"github.com/xiaoxuan-lang/corevm/internal/image"
	"github.com/xiaoxuan-lang/corevm/internal/instance"
	"github.com/xiaoxuan-lang/corevm/internal/interpreter"
	"github.com/xiaoxuan-lang/corevm/internal/trampoline"
)

// ProcessContext owns the vector of module images, the loaded-library
// table, the JIT trampoline generator, and the thread manager — the
// shared state every ThreadContext references, per spec.md §4.5.
// The externalEntries cache is guarded by mu; the Loader serializes
// itself with its own mutex, and trampoline generation is separately
// serialized inside
// trampoline.Generator itself, matching "coarse locking is acceptable"
// since it is off the hot path.
type ProcessContext struct {
	mu sync.Mutex

	modules     []*image.Module
	mainLinking *instance.LinkingInstance
	capability  *capability.Capability
	logger      *zap.Logger

	loader          *Loader
	externalEntries map[externalKey]uintptr

	generator *trampoline.Generator
	threads   *ThreadManager

	programPath string
	programArgs []string

	rootThread *ThreadContext
}

type externalKey struct {
	library string
	symbol  string
}

// NewProcessContext parses every module image (main module must be
// index 0) and wires the shared tables described in spec.md §4.5.
func NewProcessContext(moduleImages [][]byte, programPath string, programArgs []string, cap *capability.Capability, logger *zap.Logger) (*ProcessContext, error) {
	if len(moduleImages) == 0 {
		return nil, errors.New("vmcontext: at least one module image is required")
	}
	modules := make([]*image.Module, len(moduleImages))
	for i, b := range moduleImages {
		m, err := image.Parse(b)
		if err != nil {
			return nil, fmt.Errorf("vmcontext: parsing module %d: %w", i, err)
		}
		modules[i] = m
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	pc := &ProcessContext{
		modules:         modules,
		mainLinking:     instance.NewLinkingInstance(modules[0]),
		capability:      cap,
		logger:          logger,
		loader:          NewLoader(),
		externalEntries: map[externalKey]uintptr{},
		threads:         NewThreadManager(),
		programPath:     programPath,
		programArgs:     programArgs,
	}
	pc.generator = trampoline.NewGenerator(pc.invokeCallback)
	return pc, nil
}

// MainLinking exposes the linking instance for the entry-point
// dispatcher (C14), which must resolve entry names before any thread
// exists.
func (p *ProcessContext) MainLinking() *instance.LinkingInstance { return p.mainLinking }

// Logger exposes the process-wide structured logger.
func (p *ProcessContext) Logger() *zap.Logger { return p.logger }

// StartFunctionList/ExitFunctionList expose the main module's
// constructor/destructor public-function-index lists (ascending
// module-local order), consumed by internal/entrypoint's StartProgram.
func (p *ProcessContext) StartFunctionList() []int { return p.modules[0].StartFunctionList }
func (p *ProcessContext) ExitFunctionList() []int  { return p.modules[0].ExitFunctionList }

func (p *ProcessContext) envVar(name string) (string, bool) {
	return os.LookupEnv(name)
}

// resolveExternalEntry loads libraryNameOrPath (caching the handle) and
// resolves symbol within it (caching the resolved entry), per spec.md
// §4.10's load_library/load_symbol abstraction.
func (p *ProcessContext) resolveExternalEntry(libraryNameOrPath, symbol string) (uintptr, error) {
	key := externalKey{library: libraryNameOrPath, symbol: symbol}

	p.mu.Lock()
	if entry, ok := p.externalEntries[key]; ok {
		p.mu.Unlock()
		return entry, nil
	}
	p.mu.Unlock()

	lib, err := p.loader.LoadLibrary(libraryNameOrPath)
	if err != nil {
		return 0, err
	}
	sym, err := p.loader.LoadSymbol(lib, symbol)
	if err != nil {
		return 0, err
	}
	entry := symbolPointer(sym)

	p.mu.Lock()
	p.externalEntries[key] = entry
	p.mu.Unlock()
	return entry, nil
}

// invokeCallback is the Generator's VMInvoker: it finds the
// ThreadContext currently published on this OS thread (the thread that
// is, synchronously, making the native call the callback trampoline was
// passed to) and re-enters the interpreter there, per spec.md §4.10's
// "host -> VM" direction.
func (p *ProcessContext) invokeCallback(moduleIndex, internalIndex int, args []uint64) (uint64, error) {
	tc := currentThreadContext()
	if tc == nil {
		return 0, errors.New("vmcontext: callback trampoline invoked with no published ThreadContext")
	}
	ci, err := tc.CommonInstance(moduleIndex)
	if err != nil {
		return 0, err
	}
	ft, err := ci.FunctionType(internalIndex)
	if err != nil {
		return 0, err
	}
	for i, a := range args {
		t := ft.Params[i]
		tc.st.PushRaw(a, t)
	}
	results, err := interpreter.Run(tc, moduleIndex, internalIndex)
	if err != nil {
		return 0, err
	}
	if len(results) == 0 {
		return 0, nil
	}
	return results[0], nil
}

// RootThread constructs (once) the process's first ThreadContext, the
// one the entry-point dispatcher (C14) runs the named entry function
// on. It has no parent pipe and nothing waits on it through
// ThreadManager.
func (p *ProcessContext) RootThread(startData []byte) *ThreadContext {
	if p.rootThread == nil {
		p.rootThread = newThreadContext(p, 0, startData)
	}
	return p.rootThread
}

// NewEphemeralThread builds a fresh, unjoined ThreadContext with its own
// stack and per-module data regions, used by callers that need to invoke
// a function in isolation without going through start_program's
// single cached root thread — the `test` CLI command runs each
// `<sub>::test_*` entry this way so one test's leftover stack state
// never leaks into the next.
func (p *ProcessContext) NewEphemeralThread(startData []byte) *ThreadContext {
	rec := p.threads.register()
	return newThreadContext(p, rec.id, startData)
}

// spawnThread implements thread_create (spec.md §4.11): allocates a
// monotonic child id, wires its pipe to the parent, and runs its entry
// function on a freshly locked host OS thread. The parent receives the
// child's id immediately; the child runs concurrently.
func (p *ProcessContext) spawnThread(parent *ThreadContext, moduleIndex, functionPublicIndex int, startData []byte) (uint32, error) {
	linking := p.mainLinking
	targetModule, targetInternal, err := linking.ResolveFunction(functionPublicIndex)
	if err != nil {
		return 0, err
	}
	if moduleIndex != targetModule {
		return 0, fmt.Errorf("vmcontext: thread_create module mismatch: resolved %d, requested %d", targetModule, moduleIndex)
	}

	rec := p.threads.register()
	child := newThreadContext(p, rec.id, startData)
	child.record = rec
	child.parentToChild = rec.toChild
	child.childToParent = rec.toParent

	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		publishCurrentThread(child)
		defer unpublishCurrentThread()

		results, runErr := interpreter.Run(child, targetModule, targetInternal)
		rec.err = runErr
		if runErr == nil && len(results) == 1 {
			rec.exitCode = int32(uint32(results[0]))
		}
		rec.toParent.close()
		close(rec.done)
	}()

	return rec.id, nil
}
