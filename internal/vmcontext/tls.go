package vmcontext

import (
	"sync"

	"golang.org/x/sys/unix"
)

// publishedThreads maps a real OS thread id (unix.Gettid) to the
// ThreadContext currently running on it. Go has no native TLS, but
// every VM thread locks itself to one OS thread for its whole lifetime
// (see ProcessContext.spawnThread), so the OS thread id is a stable key —
// this is the "thread-local storage cell published by start_program"
// spec.md §9 calls for, used so a JIT'd callback trampoline (which only
// carries (module, internalIndex) in registers) can find the
// ThreadContext to run against.
var publishedThreads sync.Map // map[int]*ThreadContext

func publishCurrentThread(tc *ThreadContext) {
	publishedThreads.Store(unix.Gettid(), tc)
}

func unpublishCurrentThread() {
	publishedThreads.Delete(unix.Gettid())
}

func currentThreadContext() *ThreadContext {
	v, ok := publishedThreads.Load(unix.Gettid())
	if !ok {
		return nil
	}
	return v.(*ThreadContext)
}
