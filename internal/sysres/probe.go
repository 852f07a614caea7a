// Package sysres answers the two resource questions the solver asks before
// racing workers: how much physical memory the host has, and how large the
// index files on disk are. Loading indexes in parallel only pays off when
// they all fit in RAM; otherwise the workers just fight over the page cache.
package sysres

import (
	"os"
	"path/filepath"
	"strings"
)

// Probe reports installed memory and index footprints. The solver depends on
// this interface so tests can fake both numbers.
type Probe interface {
	InstalledRAMBytes() uint64
	IndexFootprintBytes(folders []string) uint64
}

// System is the real host-backed probe.
type System struct{}

// InstalledRAMBytes returns total physical memory, or 0 when the host query
// fails. Callers treat 0 as "unknown" and refuse to parallelize.
func (System) InstalledRAMBytes() uint64 {
	return installedRAMBytes()
}

// IndexFootprintBytes sums the sizes of *.fits and *.fit files directly in
// each existing folder.
func (System) IndexFootprintBytes(folders []string) uint64 {
	var total uint64
	for _, folder := range folders {
		entries, err := os.ReadDir(folder)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			name := strings.ToLower(entry.Name())
			if !strings.HasSuffix(name, ".fits") && !strings.HasSuffix(name, ".fit") {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			total += uint64(info.Size())
		}
	}
	return total
}

func addPathIfExists(list []string, path string) []string {
	if _, err := os.Stat(path); err == nil {
		list = append(list, path)
	}
	return list
}

func homePath(suffix string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return suffix
	}
	return filepath.Join(home, suffix)
}
