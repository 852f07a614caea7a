package sysres

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

type memoryStatusEx struct {
	Length               uint32
	MemoryLoad           uint32
	TotalPhys            uint64
	AvailPhys            uint64
	TotalPageFile        uint64
	AvailPageFile        uint64
	TotalVirtual         uint64
	AvailVirtual         uint64
	AvailExtendedVirtual uint64
}

func installedRAMBytes() uint64 {
	kernel32 := windows.NewLazySystemDLL("kernel32.dll")
	proc := kernel32.NewProc("GlobalMemoryStatusEx")

	var status memoryStatusEx
	status.Length = uint32(unsafe.Sizeof(status))
	ret, _, _ := proc.Call(uintptr(unsafe.Pointer(&status)))
	if ret == 0 {
		return 0
	}
	return status.TotalPhys
}

// DefaultIndexFolderPaths returns the astrometry.net index locations that
// exist on this machine.
func DefaultIndexFolderPaths() []string {
	var paths []string
	paths = addPathIfExists(paths, homePath("AppData/Local/cygwin_ansvr/usr/share/astrometry/data"))
	paths = addPathIfExists(paths, "C:/cygwin/usr/share/astrometry/data")
	return paths
}
