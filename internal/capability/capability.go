// Package capability implements the capability record passed in at
// process construction (spec.md §1), gating syscall/extcall/shell/file
// access. Grounded on original_source's
// crates/context/src/capability.rs; not defined by spec.md itself, which
// only references "the capability record" in passing.
package capability

import (
	"os"

	"gopkg.in/yaml.v3"
)

// FileAccessType restricts what a granted path may be opened for.
type FileAccessType byte

const (
	FileAccessRead FileAccessType = iota
	FileAccessWrite
	FileAccessReadWrite
)

// FileAccess grants access to one path (file or directory) at a given
// access type.
type FileAccess struct {
	Path string         `yaml:"path"`
	Type FileAccessType `yaml:"-"`
	// TypeName mirrors Type in a YAML-friendly string form ("read",
	// "write", "read_write"); LoadFile in this file translates between
	// the two.
	TypeName string `yaml:"type"`
}

// Capability is the process-wide sandboxing policy: which envcall/extcall
// families are reachable at all, and which filesystem paths/external
// commands are reachable when they are.
type Capability struct {
	Syscall bool `yaml:"syscall"`
	Extcall bool `yaml:"extcall"`

	ShellExecute                  bool     `yaml:"shell_execute"`
	CapableShellExecuteSpecify     []string `yaml:"shell_execute_allowlist"`

	FileExecute          bool     `yaml:"file_execute"`
	FileExecuteSpecified []string `yaml:"file_execute_allowlist"`

	DirAccess  []FileAccess `yaml:"dir_access"`
	FileAccess []FileAccess `yaml:"file_access"`
}

// LoadFile loads a Capability record from a YAML file, the way the CLI's
// `--capability` flag is wired (see cmd/corevm).
func LoadFile(path string) (*Capability, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Capability
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	for i := range c.DirAccess {
		c.DirAccess[i].Type = parseAccessType(c.DirAccess[i].TypeName)
	}
	for i := range c.FileAccess {
		c.FileAccess[i].Type = parseAccessType(c.FileAccess[i].TypeName)
	}
	return &c, nil
}

func parseAccessType(name string) FileAccessType {
	switch name {
	case "write":
		return FileAccessWrite
	case "read_write", "readwrite":
		return FileAccessReadWrite
	default:
		return FileAccessRead
	}
}

// AllowsSyscall reports whether direct OS syscalls (C11) are permitted at all.
func (c *Capability) AllowsSyscall() bool {
	return c != nil && c.Syscall
}

// AllowsExtcall reports whether loading/calling native libraries (C12) is permitted at all.
func (c *Capability) AllowsExtcall() bool {
	return c != nil && c.Extcall
}

// AllowsFileOpen reports whether path may be opened with the given access type.
func (c *Capability) AllowsFileOpen(path string, wantWrite bool) bool {
	if c == nil {
		return false
	}
	for _, fa := range c.FileAccess {
		if fa.Path == path && accessTypeSatisfies(fa.Type, wantWrite) {
			return true
		}
	}
	for _, da := range c.DirAccess {
		if isWithinDir(da.Path, path) && accessTypeSatisfies(da.Type, wantWrite) {
			return true
		}
	}
	return false
}

func accessTypeSatisfies(granted FileAccessType, wantWrite bool) bool {
	if !wantWrite {
		return true // any granted access type implies read.
	}
	return granted == FileAccessWrite || granted == FileAccessReadWrite
}

func isWithinDir(dir, path string) bool {
	if len(path) < len(dir) {
		return false
	}
	return path[:len(dir)] == dir
}
