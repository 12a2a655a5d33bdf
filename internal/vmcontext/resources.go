package vmcontext

import (
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sync"
)

// ThreadResources holds the per-ThreadContext state spec.md §4.11 lists
// as thread-local: open file descriptors (stdio plus user-opened files)
// and a regex cache with its last captures. Grounded on
// original_source's crates/processor/src/thread/resources.rs, which
// this package's envcall handlers (internal/envcall's fd_*/regex_*
// families) are wired against.
type ThreadResources struct {
	mu     sync.Mutex
	files  map[int32]*os.File
	nextFd int32

	regexes       map[int32]*regexp.Regexp
	nextRegexSlot int32
	lastCaptures  map[int32][]string
}

// NewThreadResources seeds file descriptors 0/1/2 with the process's
// own stdio, per spec.md §4.11 "file descriptors 0/1/2 plus user-opened
// files".
func NewThreadResources() *ThreadResources {
	return &ThreadResources{
		files:        map[int32]*os.File{0: os.Stdin, 1: os.Stdout, 2: os.Stderr},
		nextFd:       3,
		regexes:      map[int32]*regexp.Regexp{},
		lastCaptures: map[int32][]string{},
	}
}

func (r *ThreadResources) OpenFile(path string, writable bool) (int32, error) {
	flag := os.O_RDONLY
	if writable {
		flag = os.O_RDWR | os.O_CREATE
	}
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	fd := r.nextFd
	r.nextFd++
	r.files[fd] = f
	return fd, nil
}

func (r *ThreadResources) ReadFile(fd int32, length int) ([]byte, error) {
	r.mu.Lock()
	f, ok := r.files[fd]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("vmcontext: fd %d not open", fd)
	}
	buf := make([]byte, length)
	n, err := f.Read(buf)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf[:n], nil
}

func (r *ThreadResources) WriteFile(fd int32, data []byte) (int, error) {
	r.mu.Lock()
	f, ok := r.files[fd]
	r.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("vmcontext: fd %d not open", fd)
	}
	return f.Write(data)
}

func (r *ThreadResources) CloseFile(fd int32) error {
	r.mu.Lock()
	f, ok := r.files[fd]
	delete(r.files, fd)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("vmcontext: fd %d not open", fd)
	}
	if fd <= 2 {
		return nil // never actually close stdio.
	}
	return f.Close()
}

func (r *ThreadResources) CompileRegex(pattern string) (int32, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	slot := r.nextRegexSlot
	r.nextRegexSlot++
	r.regexes[slot] = re
	return slot, nil
}

func (r *ThreadResources) MatchRegex(slot int32, text string) (bool, error) {
	r.mu.Lock()
	re, ok := r.regexes[slot]
	r.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("vmcontext: regex slot %d not compiled", slot)
	}
	m := re.FindStringSubmatch(text)
	r.mu.Lock()
	r.lastCaptures[slot] = m
	r.mu.Unlock()
	return m != nil, nil
}

func (r *ThreadResources) CaptureGet(slot int32, group int) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	caps, ok := r.lastCaptures[slot]
	if !ok {
		return "", false, fmt.Errorf("vmcontext: no captures for regex slot %d", slot)
	}
	if group < 0 || group >= len(caps) {
		return "", false, nil
	}
	return caps[group], true, nil
}
