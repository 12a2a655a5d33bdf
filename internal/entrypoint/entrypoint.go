// Package entrypoint implements the entry-point dispatcher (C14):
// start_program resolves a user-facing entry name, publishes the root
// ThreadContext, runs the module's constructor/destructor lists around
// the named call, and validates the single u32 result spec.md §4.12
// requires.
package entrypoint

import (
	"fmt"
	"runtime"

	"github.com/xiaoxuan-lang/corevm/internal/interpreter"
	"github.com/xiaoxuan-lang/corevm/internal/vmcontext"
	"github.com/xiaoxuan-lang/corevm/internal/vmerr"
)

// StartProgram implements spec.md §4.12: resolve entryName in the main
// module's entry-point section, run process.mainModule's start
// functions (ascending), invoke the entry function, run the exit
// functions (ascending), and return its single i32 result reinterpreted
// as a u32 exit code.
//
// The start/exit function lists are an Open Question spec.md §9 leaves
// unresolved ("the interpreter core presented does not execute them in
// the start_program path"); this implementation runs the main module's
// start functions before and its exit functions after the entry call,
// each list in its stored order. The lists of other modules are not
// run, and the exit functions are skipped when the entry call returns
// an error.
func StartProgram(process *vmcontext.ProcessContext, entryName string, startData []byte) (uint32, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	root := process.RootThread(startData)
	root.Publish()
	defer root.Unpublish()

	publicIndex, err := process.MainLinking().ResolveEntryPoint(entryName)
	if err != nil {
		return 0, err
	}

	if err := runFunctionList(process, root, process.StartFunctionList()); err != nil {
		return 0, err
	}

	targetModule, targetInternal, err := process.MainLinking().ResolveFunction(publicIndex)
	if err != nil {
		return 0, err
	}
	results, err := interpreter.Run(root, targetModule, targetInternal)
	if err != nil {
		return 0, err
	}
	if len(results) != 1 {
		return 0, &vmerr.ResultsAmountMismatchError{Want: 1, Got: len(results)}
	}

	if err := runFunctionList(process, root, process.ExitFunctionList()); err != nil {
		return 0, err
	}

	return uint32(results[0]), nil
}

// RunEntry invokes a single named entry point on a fresh, unjoined
// thread, without running the module's start/exit function lists. This
// is what the `test` CLI command uses to run each `<sub>::test_*`
// function in isolation: start_program's constructor/destructor
// semantics belong to the program as a whole, not to one test case.
func RunEntry(process *vmcontext.ProcessContext, entryName string, startData []byte) (int32, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	thread := process.NewEphemeralThread(startData)
	thread.Publish()
	defer thread.Unpublish()

	publicIndex, err := process.MainLinking().ResolveEntryPoint(entryName)
	if err != nil {
		return 0, err
	}
	targetModule, targetInternal, err := process.MainLinking().ResolveFunction(publicIndex)
	if err != nil {
		return 0, err
	}
	results, err := interpreter.Run(thread, targetModule, targetInternal)
	if err != nil {
		return 0, err
	}
	if len(results) != 1 {
		return 0, &vmerr.ResultsAmountMismatchError{Want: 1, Got: len(results)}
	}
	return int32(uint32(results[0])), nil
}

// runFunctionList invokes each public function index in order, in the
// main module, discarding results: it models the constructor/destructor
// semantics start_function_list/exit_function_list imply (run for
// effect, per original_source's behavior around these lists).
func runFunctionList(process *vmcontext.ProcessContext, root interpreter.Env, publicIndices []int) error {
	for _, pub := range publicIndices {
		targetModule, targetInternal, err := process.MainLinking().ResolveFunction(pub)
		if err != nil {
			return fmt.Errorf("entrypoint: resolving function list entry %d: %w", pub, err)
		}
		if _, err := interpreter.Run(root, targetModule, targetInternal); err != nil {
			return fmt.Errorf("entrypoint: running function list entry %d: %w", pub, err)
		}
	}
	return nil
}
