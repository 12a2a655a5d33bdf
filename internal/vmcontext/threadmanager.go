package vmcontext

import (
	"fmt"
	"sync"
	"time"
)

// pipe is one direction-agnostic unordered byte-array channel between a
// parent and a child thread, per spec.md §4.11 "one unordered in/out
// byte-array message pipe"; messages are opaque, length-prefixed only
// when read off the wire (here: delivered whole, since both ends live
// in the same process).
type pipe struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  [][]byte
	closed bool
}

func newPipe() *pipe {
	p := &pipe{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *pipe) send(msg []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append(p.queue, msg)
	p.cond.Signal()
}

// receive blocks until a message arrives or the pipe is closed. A
// closed, empty pipe yields a zero-length message; the event is not
// logged.
func (p *pipe) receive() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) == 0 && !p.closed {
		p.cond.Wait()
	}
	if len(p.queue) == 0 {
		return []byte{}
	}
	msg := p.queue[0]
	p.queue = p.queue[1:]
	return msg
}

func (p *pipe) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.cond.Broadcast()
}

// threadRecord is what the parent (and ThreadManager) retains about a
// spawned child: its id, its half of the message pipe, and its
// collected exit state once it has run to completion.
type threadRecord struct {
	id uint32

	toChild  *pipe // parent writes, child reads
	toParent *pipe // child writes, parent reads

	done     chan struct{}
	exitCode int32
	err      error
}

// ThreadManager is the multithread runtime's registry (C13): it assigns
// monotonic 32-bit ids and tracks each thread's message pipes and
// completion state, per spec.md §4.11. The threads themselves are
// started by ProcessContext.spawnThread.
// Grounded on original_source's crates/processor/src/thread/manager.rs
// id-allocation and join-table shape, translated from an OS-thread
// join-handle map to a Go goroutine + done-channel map (Go's
// runtime.LockOSThread pins each spawned goroutine to its own OS thread
// for the VM thread's lifetime, matching "Each VM thread is a host-OS
// thread").
type ThreadManager struct {
	mu      sync.Mutex
	nextID  uint32
	threads map[uint32]*threadRecord
}

func NewThreadManager() *ThreadManager {
	return &ThreadManager{nextID: 1, threads: map[uint32]*threadRecord{}}
}

func (m *ThreadManager) register() *threadRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := &threadRecord{
		id:       m.nextID,
		toChild:  newPipe(),
		toParent: newPipe(),
		done:     make(chan struct{}),
	}
	m.nextID++
	m.threads[rec.id] = rec
	return rec
}

func (m *ThreadManager) get(id uint32) (*threadRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.threads[id]
	if !ok {
		return nil, fmt.Errorf("vmcontext: unknown thread id %d", id)
	}
	return rec, nil
}

// waitAndCollect blocks until thread id has completed and returns its
// entry-function result, per spec.md §4.11 `thread_wait_and_collect`.
func (m *ThreadManager) waitAndCollect(id uint32) (int32, error) {
	rec, err := m.get(id)
	if err != nil {
		return 0, err
	}
	<-rec.done
	return rec.exitCode, rec.err
}

func (m *ThreadManager) sleep(ms uint64) {
	time.Sleep(time.Duration(ms) * time.Millisecond)
}
