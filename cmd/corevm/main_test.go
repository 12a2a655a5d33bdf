package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplitProgramArgDefaultsToStart(t *testing.T) {
	path, entry := splitProgramArg("program.img")
	require.Equal(t, "program.img", path)
	require.Equal(t, "_start", entry)
}

func TestSplitProgramArgHonorsSubEntry(t *testing.T) {
	path, entry := splitProgramArg("program.img:sub::test_one")
	require.Equal(t, "program.img", path)
	require.Equal(t, "sub::test_one", entry)
}

func TestMatchingTestEntriesFiltersBySuffixAndSubstring(t *testing.T) {
	names := []string{"_start", "sub::test_one", "sub::test_two", "other::test_one"}

	all := matchingTestEntries(names, "")
	require.ElementsMatch(t, []string{"sub::test_one", "sub::test_two", "other::test_one"}, all)

	filtered := matchingTestEntries(names, "sub::")
	require.ElementsMatch(t, []string{"sub::test_one", "sub::test_two"}, filtered)
}

func TestLoadCapabilityDefaultsDenyAll(t *testing.T) {
	cap, err := loadCapability("")
	require.NoError(t, err)
	require.False(t, cap.AllowsSyscall())
	require.False(t, cap.AllowsExtcall())
}
