// Package envcall implements the envcall dispatcher (C10): a handler
// table indexed by a 32-bit numeric code, matching spec.md §4.8's
// "function pointer array, unassigned entries trap unreachable" design.
package envcall

import (
	"github.com/xiaoxuan-lang/corevm/internal/stack"
	"github.com/xiaoxuan-lang/corevm/internal/vmerr"
)

// Code identifies one envcall handler.
type Code uint32

const (
	RuntimeName Code = iota
	RuntimeVersion
	HostArch
	TimeNow

	RandomI32
	RandomI64
	RandomF32
	RandomF64
	RandomRangeI32
	RandomRangeI64
	RandomFill

	ThreadCreate
	ThreadSleep
	ThreadWaitAndCollect
	ThreadTerminate
	ThreadSend
	ThreadReceive
	ThreadStartDataRead

	EnvVarGet
	ProgramPathGet
	ProgramArgGet
	ProgramArgCount

	// Supplemented families, per original_source's thread_resources.rs.
	FdOpen
	FdRead
	FdWrite
	FdClose

	RegexCompile
	RegexMatch
	RegexCaptureGet

	CallbackPointer
)

// Env is the surface envcall needs from its host thread. It intentionally
// never imports internal/instance or internal/vmcontext; byte-buffer
// access goes through ReadBytes/WriteBytes, resolved by the caller the
// same way a data_load/data_store opcode would, keeping this package
// free of an import cycle back to vmcontext.
type Env interface {
	Stack() *stack.Stack

	RuntimeName() string
	RuntimeVersion() string
	HostArch() string
	WallClock() (secs uint64, nanos uint64)

	RandomI32() int32
	RandomI64() int64
	RandomF32() float32
	RandomF64() float64
	RandomRangeI32(lo, hi int32) int32
	RandomRangeI64(lo, hi int64) int64
	RandomFill(dataAccessIndex, offset, length int) error

	ThreadCreate(moduleIndex, functionPublicIndex int, startData []byte) (uint32, error)
	ThreadSleep(ms uint64)
	ThreadWaitAndCollect(id uint32) (int32, error)
	ThreadSend(id uint32, payload []byte) error
	ThreadReceive() []byte
	ThreadStartDataRead(offset, length int) ([]byte, error)

	EnvVar(name string) (string, bool)
	ProgramPath() string
	ProgramArgs() []string

	FdOpen(path string, writable bool) (int32, error)
	FdRead(fd int32, length int) ([]byte, error)
	FdWrite(fd int32, data []byte) (int, error)
	FdClose(fd int32) error

	RegexCompile(pattern string) (int32, error)
	RegexMatch(slot int32, text string) (bool, error)
	RegexCaptureGet(slot int32, group int) (string, bool, error)

	// CallbackPointer synthesizes (or returns the cached) native function
	// pointer for the VM function at functionPublicIndex, for passing to
	// an extcall argument that expects a host callback, per spec.md
	// §4.10's "host -> VM" direction.
	CallbackPointer(functionPublicIndex int) (uint64, error)

	ReadBytes(dataAccessIndex, offset, length int) ([]byte, error)
	WriteBytes(dataAccessIndex, offset int, data []byte) error
}

type handlerFunc func(Env) error

var handlers map[Code]handlerFunc

func init() {
	handlers = map[Code]handlerFunc{
		RuntimeName:    handleStringGetter((Env).RuntimeName),
		RuntimeVersion: handleStringGetter((Env).RuntimeVersion),
		HostArch:       handleStringGetter((Env).HostArch),
		TimeNow:        handleTimeNow,

		RandomI32:      handleRandomI32,
		RandomI64:      handleRandomI64,
		RandomF32:      handleRandomF32,
		RandomF64:      handleRandomF64,
		RandomRangeI32: handleRandomRangeI32,
		RandomRangeI64: handleRandomRangeI64,
		RandomFill:     handleRandomFill,

		ThreadCreate:         handleThreadCreate,
		ThreadSleep:          handleThreadSleep,
		ThreadWaitAndCollect: handleThreadWaitAndCollect,
		ThreadTerminate:      handleThreadTerminate,
		ThreadSend:           handleThreadSend,
		ThreadReceive:        handleThreadReceive,
		ThreadStartDataRead:  handleThreadStartDataRead,

		EnvVarGet:       handleEnvVarGet,
		ProgramPathGet:  handleProgramPathGet,
		ProgramArgGet:   handleProgramArgGet,
		ProgramArgCount: handleProgramArgCount,

		FdOpen:  handleFdOpen,
		FdRead:  handleFdRead,
		FdWrite: handleFdWrite,
		FdClose: handleFdClose,

		RegexCompile:    handleRegexCompile,
		RegexMatch:      handleRegexMatch,
		RegexCaptureGet: handleRegexCaptureGet,

		CallbackPointer: handleCallbackPointer,
	}
}

// Dispatch executes the handler for code, per the caller-is-Env contract
// described above. An unassigned code traps unreachable, matching
// spec.md §4.8/§9's handler-dispatch-table design note; the interpreter's
// OpEnvCall case adds the faulting PC to that error.
func Dispatch(env Env, code Code) error {
	h, ok := handlers[code]
	if !ok {
		return vmerr.ErrUnreachable
	}
	return h(env)
}

func popI32Args(st *stack.Stack, n int) []int32 {
	out := make([]int32, n)
	for i := n - 1; i >= 0; i-- {
		out[i] = st.PopI32()
	}
	return out
}

func readString(env Env, dataIndex, offset, length int32) (string, error) {
	b, err := env.ReadBytes(int(dataIndex), int(offset), int(length))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// writeTruncated copies data into (dataIndex, offset) up to maxLength
// bytes and returns the number of bytes actually written, mirroring the
// "write as much as fits, report how much" convention used for every
// *_get-into-buffer envcall.
func writeTruncated(env Env, dataIndex, offset, maxLength int32, data []byte) (int32, error) {
	n := len(data)
	if int32(n) > maxLength {
		n = int(maxLength)
	}
	if err := env.WriteBytes(int(dataIndex), int(offset), data[:n]); err != nil {
		return 0, err
	}
	return int32(n), nil
}

func handleStringGetter(get func(Env) string) handlerFunc {
	return func(env Env) error {
		st := env.Stack()
		args := popI32Args(st, 3) // (data_index, offset, max_length)
		n, err := writeTruncated(env, args[0], args[1], args[2], []byte(get(env)))
		if err != nil {
			return err
		}
		st.PushI32(n)
		return nil
	}
}

func handleTimeNow(env Env) error {
	secs, nanos := env.WallClock()
	st := env.Stack()
	st.PushI64(int64(secs))
	st.PushI64(int64(nanos))
	return nil
}

func handleRandomI32(env Env) error { env.Stack().PushI32(env.RandomI32()); return nil }
func handleRandomI64(env Env) error { env.Stack().PushI64(env.RandomI64()); return nil }
func handleRandomF32(env Env) error { env.Stack().PushF32(env.RandomF32()); return nil }
func handleRandomF64(env Env) error { env.Stack().PushF64(env.RandomF64()); return nil }

func handleRandomRangeI32(env Env) error {
	st := env.Stack()
	hi, lo := st.PopI32(), st.PopI32()
	st.PushI32(env.RandomRangeI32(lo, hi))
	return nil
}

func handleRandomRangeI64(env Env) error {
	st := env.Stack()
	hi, lo := st.PopI64(), st.PopI64()
	st.PushI64(env.RandomRangeI64(lo, hi))
	return nil
}

func handleRandomFill(env Env) error {
	args := popI32Args(env.Stack(), 3) // (data_index, offset, length)
	return env.RandomFill(int(args[0]), int(args[1]), int(args[2]))
}

func handleThreadCreate(env Env) error {
	st := env.Stack()
	args := popI32Args(st, 5) // (module_index, function_public_index, start_data_index, offset, length)
	startData, err := env.ReadBytes(int(args[2]), int(args[3]), int(args[4]))
	if err != nil {
		return err
	}
	id, err := env.ThreadCreate(int(args[0]), int(args[1]), startData)
	if err != nil {
		return err
	}
	st.PushI32(int32(id))
	return nil
}

func handleThreadSleep(env Env) error {
	ms := env.Stack().PopI64()
	env.ThreadSleep(uint64(ms))
	return nil
}

func handleThreadWaitAndCollect(env Env) error {
	st := env.Stack()
	id := st.PopI32()
	exitCode, err := env.ThreadWaitAndCollect(uint32(id))
	if err != nil {
		return err
	}
	st.PushI32(exitCode)
	return nil
}

// handleThreadTerminate is self-terminating: it reports a TerminateError
// rather than calling an Env method, so the interpreter's single
// recover() boundary unwinds this thread exactly like any other trap.
func handleThreadTerminate(env Env) error {
	code := env.Stack().PopI32()
	return &vmerr.TerminateError{Code: uint32(code)}
}

func handleThreadSend(env Env) error {
	st := env.Stack()
	args := popI32Args(st, 4) // (target_id, data_index, offset, length)
	payload, err := env.ReadBytes(int(args[1]), int(args[2]), int(args[3]))
	if err != nil {
		return err
	}
	return env.ThreadSend(uint32(args[0]), payload)
}

func handleThreadReceive(env Env) error {
	st := env.Stack()
	args := popI32Args(st, 3) // (data_index, offset, max_length)
	msg := env.ThreadReceive()
	n, err := writeTruncated(env, args[0], args[1], args[2], msg)
	if err != nil {
		return err
	}
	st.PushI32(n)
	return nil
}

func handleThreadStartDataRead(env Env) error {
	st := env.Stack()
	args := popI32Args(st, 4) // (src_offset, length, dest_data_index, dest_offset)
	data, err := env.ThreadStartDataRead(int(args[0]), int(args[1]))
	if err != nil {
		return err
	}
	n, err := writeTruncated(env, args[2], args[3], int32(len(data)), data)
	if err != nil {
		return err
	}
	st.PushI32(n)
	return nil
}

func handleEnvVarGet(env Env) error {
	st := env.Stack()
	args := popI32Args(st, 6) // (name_idx, name_off, name_len, dest_idx, dest_off, dest_max_len)
	name, err := readString(env, args[0], args[1], args[2])
	if err != nil {
		return err
	}
	val, ok := env.EnvVar(name)
	if !ok {
		st.PushI32(-1)
		return nil
	}
	n, err := writeTruncated(env, args[3], args[4], args[5], []byte(val))
	if err != nil {
		return err
	}
	st.PushI32(n)
	return nil
}

func handleProgramPathGet(env Env) error {
	st := env.Stack()
	args := popI32Args(st, 3) // (dest_idx, dest_off, dest_max_len)
	n, err := writeTruncated(env, args[0], args[1], args[2], []byte(env.ProgramPath()))
	if err != nil {
		return err
	}
	st.PushI32(n)
	return nil
}

func handleProgramArgGet(env Env) error {
	st := env.Stack()
	args := popI32Args(st, 4) // (arg_index, dest_idx, dest_off, dest_max_len)
	argv := env.ProgramArgs()
	if int(args[0]) < 0 || int(args[0]) >= len(argv) {
		st.PushI32(-1)
		return nil
	}
	n, err := writeTruncated(env, args[1], args[2], args[3], []byte(argv[args[0]]))
	if err != nil {
		return err
	}
	st.PushI32(n)
	return nil
}

func handleProgramArgCount(env Env) error {
	env.Stack().PushI32(int32(len(env.ProgramArgs())))
	return nil
}

func handleFdOpen(env Env) error {
	st := env.Stack()
	args := popI32Args(st, 4) // (path_idx, path_off, path_len, writable)
	path, err := readString(env, args[0], args[1], args[2])
	if err != nil {
		return err
	}
	fd, err := env.FdOpen(path, args[3] != 0)
	if err != nil {
		return err
	}
	st.PushI32(fd)
	return nil
}

func handleFdRead(env Env) error {
	st := env.Stack()
	args := popI32Args(st, 4) // (fd, length, dest_idx, dest_off)
	data, err := env.FdRead(args[0], int(args[1]))
	if err != nil {
		return err
	}
	n, err := writeTruncated(env, args[2], args[3], int32(len(data)), data)
	if err != nil {
		return err
	}
	st.PushI32(n)
	return nil
}

func handleFdWrite(env Env) error {
	st := env.Stack()
	args := popI32Args(st, 4) // (fd, src_idx, src_off, length)
	data, err := env.ReadBytes(int(args[1]), int(args[2]), int(args[3]))
	if err != nil {
		return err
	}
	n, err := env.FdWrite(args[0], data)
	if err != nil {
		return err
	}
	st.PushI32(int32(n))
	return nil
}

func handleFdClose(env Env) error {
	fd := env.Stack().PopI32()
	return env.FdClose(fd)
}

func handleRegexCompile(env Env) error {
	st := env.Stack()
	args := popI32Args(st, 3) // (pattern_idx, pattern_off, pattern_len)
	pattern, err := readString(env, args[0], args[1], args[2])
	if err != nil {
		return err
	}
	slot, err := env.RegexCompile(pattern)
	if err != nil {
		return err
	}
	st.PushI32(slot)
	return nil
}

func handleRegexMatch(env Env) error {
	st := env.Stack()
	args := popI32Args(st, 4) // (slot, text_idx, text_off, text_len)
	text, err := readString(env, args[1], args[2], args[3])
	if err != nil {
		return err
	}
	matched, err := env.RegexMatch(args[0], text)
	if err != nil {
		return err
	}
	st.PushI32(boolI32(matched))
	return nil
}

func handleRegexCaptureGet(env Env) error {
	st := env.Stack()
	args := popI32Args(st, 5) // (slot, group, dest_idx, dest_off, dest_max_len)
	capture, ok, err := env.RegexCaptureGet(args[0], int(args[1]))
	if err != nil {
		return err
	}
	if !ok {
		st.PushI32(-1)
		return nil
	}
	n, err := writeTruncated(env, args[2], args[3], args[4], []byte(capture))
	if err != nil {
		return err
	}
	st.PushI32(n)
	return nil
}

func handleCallbackPointer(env Env) error {
	st := env.Stack()
	publicIndex := st.PopI32()
	ptr, err := env.CallbackPointer(int(publicIndex))
	if err != nil {
		return err
	}
	st.PushI64(int64(ptr))
	return nil
}

func boolI32(b bool) int32 {
	if b {
		return 1
	}
	return 0
}
