package sysres

import "golang.org/x/sys/unix"

func installedRAMBytes() uint64 {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0
	}
	return uint64(info.Totalram) * uint64(info.Unit)
}

// DefaultIndexFolderPaths returns the astrometry.net index locations that
// exist on this machine.
func DefaultIndexFolderPaths() []string {
	var paths []string
	paths = addPathIfExists(paths, "/usr/share/astrometry/")
	paths = addPathIfExists(paths, homePath(".local/share/kstars/astrometry/"))
	return paths
}
