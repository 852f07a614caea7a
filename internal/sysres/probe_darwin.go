package sysres

import "golang.org/x/sys/unix"

func installedRAMBytes() uint64 {
	ram, err := unix.SysctlUint64("hw.memsize")
	if err != nil {
		return 0
	}
	return ram
}

// DefaultIndexFolderPaths returns the astrometry.net index locations that
// exist on this machine.
func DefaultIndexFolderPaths() []string {
	var paths []string
	paths = addPathIfExists(paths, homePath("Library/Application Support/Astrometry"))
	paths = addPathIfExists(paths, "/usr/local/share/astrometry")
	return paths
}
