package vmcontext

import (
	"fmt"
	"math/rand"
	"reflect"
	"runtime"
	"time"

	"github.com/xiaoxuan-lang/corevm/api"
	"github.com/xiaoxuan-lang/corevm/internal/envcall"
	"github.com/xiaoxuan-lang/corevm/internal/instance"
	"github.com/xiaoxuan-lang/corevm/internal/interpreter"
	"github.com/xiaoxuan-lang/corevm/internal/sysbridge"
	"github.com/xiaoxuan-lang/corevm/internal/stack"
	"github.com/xiaoxuan-lang/corevm/internal/trampoline"
	"github.com/xiaoxuan-lang/corevm/internal/vmerr"
)

// ThreadContext is a VM thread's private execution state (C8): its PC
// (owned implicitly by interpreter.Run's loop), its own operand stack,
// a thread-local instantiation of every module's common instance (data
// regions are thread-local per spec.md §5), shared references back to
// the owning ProcessContext's linking instance/trampoline
// generator/external-function table, and thread-local resources (file
// table, regex cache). It implements both interpreter.Env and
// envcall.Env, the two seams those packages expose to stay decoupled
// from this one.
type ThreadContext struct {
	process *ProcessContext
	id      uint32

	st      *stack.Stack
	commons []*instance.CommonInstance

	resources *ThreadResources
	rng       *rand.Rand

	startData []byte
	record    *threadRecord // nil for the root thread, which nothing joins.

	parentToChild *pipe // this thread reads from its parent here.
	childToParent *pipe // this thread writes to its parent here.
}

func newThreadContext(p *ProcessContext, id uint32, startData []byte) *ThreadContext {
	commons := make([]*instance.CommonInstance, len(p.modules))
	for i, m := range p.modules {
		commons[i] = instance.NewCommonInstance(m, 1)
	}
	return &ThreadContext{
		process:   p,
		id:        id,
		st:        stack.New(),
		commons:   commons,
		resources: NewThreadResources(),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(id))),
		startData: startData,
	}
}

// --- interpreter.Env ---

func (t *ThreadContext) Stack() *stack.Stack { return t.st }

func (t *ThreadContext) CommonInstance(moduleIndex int) (*instance.CommonInstance, error) {
	if moduleIndex < 0 || moduleIndex >= len(t.commons) {
		return nil, &vmerr.ItemNotFoundError{Kind: "module", Index: uint32(moduleIndex)}
	}
	return t.commons[moduleIndex], nil
}

func (t *ThreadContext) Linking() (*instance.LinkingInstance, error) {
	return t.process.mainLinking, nil
}

func (t *ThreadContext) DoEnvCall(code uint32) error {
	return envcall.Dispatch(t, envcall.Code(code))
}

// DoSysCall pops argCount arguments and then the syscall number beneath
// them (per spec.md §4.9), invokes sysbridge, and pushes
// (errno, return_value).
func (t *ThreadContext) DoSysCall(argCount int) error {
	if !t.process.capability.AllowsSyscall() {
		return vmerr.ErrCapabilityDenied
	}
	raw := t.st.PopOperandsToMemory(argCount)
	args := make([]uintptr, len(raw))
	for i, v := range raw {
		args[i] = uintptr(v)
	}
	number := uintptr(t.st.PopI64())

	res, err := sysbridge.Invoke(number, args)
	if err != nil {
		return err
	}
	t.st.PushI64(res.Errno)
	t.st.PushI64(res.ReturnValue)
	return nil
}

// DoExtCall resolves the unified external function at unifiedIndex,
// obtains (building if necessary) its host trampoline, pops its
// declared arguments, invokes it, and pushes the single result, per
// spec.md §4.10.
func (t *ThreadContext) DoExtCall(unifiedIndex uint32) error {
	if !t.process.capability.AllowsExtcall() {
		return vmerr.ErrCapabilityDenied
	}
	linking, _ := t.Linking()
	fn, err := linking.UnifiedExternalFunction(int(unifiedIndex))
	if err != nil {
		return err
	}
	lib, err := linking.UnifiedExternalLibrary(fn.LibraryIndex)
	if err != nil {
		return err
	}
	ctype, err := linking.UnifiedExternalType(fn.TypeIndex)
	if err != nil {
		return err
	}
	if len(ctype.Results) > 1 {
		return vmerr.ErrExternalMultiResult
	}

	entry, err := t.process.resolveExternalEntry(lib.NameOrPath, fn.Symbol)
	if err != nil {
		return err
	}

	var resultType *api.DataType
	if len(ctype.Results) == 1 {
		resultType = &ctype.Results[0]
	}
	tramp, err := t.process.generator.GetOrCreateExtcall(lib.NameOrPath, fn.Symbol, entry,
		trampoline.CSignature{Args: ctype.Params, Result: resultType})
	if err != nil {
		return err
	}

	args := t.st.PopOperandsToMemory(len(ctype.Params))
	result, err := callHostTrampoline(tramp, args)
	if err != nil {
		return err
	}
	// A callback pointer synthesized by CallbackPointer and passed as one
	// of args may have been invoked by the native function just called,
	// re-entering the interpreter on this same OS thread; if that
	// re-entry trapped, the fault was recorded rather than raised
	// (trampoline/dispatch.go can't panic across the cgo boundary it ran
	// on) and must surface here instead.
	if cbErr := t.process.generator.TakeCallbackError(); cbErr != nil {
		return cbErr
	}
	if resultType != nil {
		t.st.PushRaw(result, *resultType)
	}
	return nil
}

// CallbackPointer resolves functionPublicIndex through the main
// module's linking table and returns a synthesized native function
// pointer that, when called, re-enters the interpreter at that function,
// per spec.md §4.10's "host -> VM" direction and the "synthesized native
// pointer" end-to-end scenario in spec.md §8.
func (t *ThreadContext) CallbackPointer(functionPublicIndex int) (uint64, error) {
	linking, _ := t.Linking()
	targetModule, targetInternal, err := linking.ResolveFunction(functionPublicIndex)
	if err != nil {
		return 0, err
	}
	ci, err := t.CommonInstance(targetModule)
	if err != nil {
		return 0, err
	}
	ft, err := ci.FunctionType(targetInternal)
	if err != nil {
		return 0, err
	}
	tramp, err := t.process.generator.GetOrCreateCallback(targetModule, targetInternal, ft)
	if err != nil {
		return 0, err
	}
	return uint64(tramp.Entry), nil
}

// --- envcall.Env ---

func (t *ThreadContext) RuntimeName() string    { return "corevm" }
func (t *ThreadContext) RuntimeVersion() string { return "0.1.0" }
func (t *ThreadContext) HostArch() string       { return runtime.GOARCH }

func (t *ThreadContext) WallClock() (secs uint64, nanos uint64) {
	now := time.Now()
	return uint64(now.Unix()), uint64(now.Nanosecond())
}

func (t *ThreadContext) RandomI32() int32 { return t.rng.Int31() }
func (t *ThreadContext) RandomI64() int64 { return t.rng.Int63() }
func (t *ThreadContext) RandomF32() float32 { return t.rng.Float32() }
func (t *ThreadContext) RandomF64() float64 { return t.rng.Float64() }

// RandomRangeI32/I64 return a value in [lo, hi), per spec.md §8.
func (t *ThreadContext) RandomRangeI32(lo, hi int32) int32 {
	if hi <= lo {
		return lo
	}
	return lo + t.rng.Int31n(hi-lo)
}

func (t *ThreadContext) RandomRangeI64(lo, hi int64) int64 {
	if hi <= lo {
		return lo
	}
	return lo + t.rng.Int63n(hi-lo)
}

func (t *ThreadContext) RandomFill(dataAccessIndex, offset, length int) error {
	buf := make([]byte, length)
	t.rng.Read(buf)
	return t.WriteBytes(dataAccessIndex, offset, buf)
}

func (t *ThreadContext) EnvVar(name string) (string, bool) {
	return t.process.envVar(name)
}

func (t *ThreadContext) ProgramPath() string   { return t.process.programPath }
func (t *ThreadContext) ProgramArgs() []string { return t.process.programArgs }

func (t *ThreadContext) FdOpen(path string, writable bool) (int32, error) {
	if !t.process.capability.AllowsFileOpen(path, writable) {
		return 0, vmerr.ErrCapabilityDenied
	}
	return t.resources.OpenFile(path, writable)
}
func (t *ThreadContext) FdRead(fd int32, length int) ([]byte, error)  { return t.resources.ReadFile(fd, length) }
func (t *ThreadContext) FdWrite(fd int32, data []byte) (int, error)   { return t.resources.WriteFile(fd, data) }
func (t *ThreadContext) FdClose(fd int32) error                      { return t.resources.CloseFile(fd) }

func (t *ThreadContext) RegexCompile(pattern string) (int32, error) { return t.resources.CompileRegex(pattern) }
func (t *ThreadContext) RegexMatch(slot int32, text string) (bool, error) {
	return t.resources.MatchRegex(slot, text)
}
func (t *ThreadContext) RegexCaptureGet(slot int32, group int) (string, bool, error) {
	return t.resources.CaptureGet(slot, group)
}

func (t *ThreadContext) ThreadCreate(moduleIndex, functionPublicIndex int, startData []byte) (uint32, error) {
	return t.process.spawnThread(t, moduleIndex, functionPublicIndex, startData)
}

func (t *ThreadContext) ThreadSleep(ms uint64) { t.process.threads.sleep(ms) }

func (t *ThreadContext) ThreadWaitAndCollect(id uint32) (int32, error) {
	return t.process.threads.waitAndCollect(id)
}

// ThreadSend writes payload onto the pipe addressed by id. A parent
// addresses one of its children by the id thread_create returned; a
// child addresses its own parent by passing its own id, since a child
// thread has exactly one pipe and no visibility into sibling ids.
func (t *ThreadContext) ThreadSend(id uint32, payload []byte) error {
	if t.record != nil && id == t.id {
		t.record.toParent.send(payload)
		return nil
	}
	rec, err := t.process.threads.get(id)
	if err != nil {
		return err
	}
	rec.toChild.send(payload)
	return nil
}

// ThreadReceive blocks on this thread's inbound pipe. A closed empty
// pipe yields a zero-length message; nothing logs that case, here or in
// the envcall handler. A thread with no parent pipe (the root thread)
// gets a zero-length message at once.
func (t *ThreadContext) ThreadReceive() []byte {
	if t.parentToChild == nil {
		return []byte{}
	}
	return t.parentToChild.receive()
}

func (t *ThreadContext) ThreadStartDataRead(offset, length int) ([]byte, error) {
	if offset < 0 || length < 0 || offset+length > len(t.startData) {
		return nil, fmt.Errorf("vmcontext: start-data read offset=%d length=%d exceeds %d bytes", offset, length, len(t.startData))
	}
	return t.startData[offset : offset+length], nil
}

// ReadBytes/WriteBytes resolve a caller-local data index through the
// main module's data-index section, exactly like OpDataLoadI32 does in
// internal/interpreter, so envcall handlers address guest memory the
// same way opcodes do.
func (t *ThreadContext) ReadBytes(dataAccessIndex, offset, length int) ([]byte, error) {
	linking, _ := t.Linking()
	targetModule, regionID, targetInternal, err := linking.ResolveData(dataAccessIndex)
	if err != nil {
		return nil, err
	}
	ci, err := t.CommonInstance(targetModule)
	if err != nil {
		return nil, err
	}
	r := ci.RegionByID(regionID)
	if r == nil {
		return nil, &vmerr.ItemNotFoundError{Kind: "region", Index: uint32(regionID)}
	}
	return r.Read(targetInternal, offset, length)
}

func (t *ThreadContext) WriteBytes(dataAccessIndex, offset int, data []byte) error {
	linking, _ := t.Linking()
	targetModule, regionID, targetInternal, err := linking.ResolveData(dataAccessIndex)
	if err != nil {
		return err
	}
	ci, err := t.CommonInstance(targetModule)
	if err != nil {
		return err
	}
	r := ci.RegionByID(regionID)
	if r == nil {
		return &vmerr.ItemNotFoundError{Kind: "region", Index: uint32(regionID)}
	}
	return r.Write(targetInternal, offset, data)
}

// Publish/Unpublish make this thread findable by a callback trampoline
// running on this same OS thread, per spec.md §9's thread-local storage
// cell. Every goroutine that drives a ThreadContext must lock itself to
// its OS thread (runtime.LockOSThread) around these calls, since the
// lookup key is the real OS thread id.
func (t *ThreadContext) Publish()   { publishCurrentThread(t) }
func (t *ThreadContext) Unpublish() { unpublishCurrentThread() }

var (
	_ interpreter.Env = (*ThreadContext)(nil)
	_ envcall.Env     = (*ThreadContext)(nil)
)

// symbolPointer extracts a callable address from a plugin-resolved
// symbol. Go's plugin package hands back a Go function value rather
// than a raw machine address; reflect.Value.Pointer() on a func value
// gives its entry PC, which is the best this package can do without
// cgo (see DESIGN.md).
func symbolPointer(sym interface{}) uintptr {
	return reflect.ValueOf(sym).Pointer()
}

// callHostTrampoline invokes a synthesized VM->host stub with args laid
// out as the []uint64 contiguous slice the trampoline's assembled
// prologue expects (see trampoline.go's assembleExtcallStub comment).
func callHostTrampoline(tramp *trampoline.HostTrampoline, args []uint64) (uint64, error) {
	return invokeTrampolineEntry(tramp.Entry, args)
}
