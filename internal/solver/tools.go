package solver

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
)

// ToolStatus reports the availability of an external solver binary.
type ToolStatus struct {
	Available bool
	Version   string
	Path      string
	Err       error
}

// CheckTool verifies an external binary exists and responds. Known tools
// get a version probe; anything else just needs to be on the PATH.
func CheckTool(name string) ToolStatus {
	path, err := exec.LookPath(name)
	if err != nil {
		return ToolStatus{Err: err}
	}

	var versionArgs []string
	switch {
	case strings.Contains(name, "solve-field"):
		versionArgs = []string{"--help"}
	case strings.Contains(name, "astap"):
		versionArgs = []string{"-h"}
	case strings.Contains(name, "sex"):
		versionArgs = []string{"--version"}
	default:
		return ToolStatus{Available: true, Path: path}
	}

	out, err := exec.Command(path, versionArgs...).CombinedOutput()
	if err != nil && len(out) == 0 {
		// Some of these tools exit non-zero for help output but still print
		// something useful.
		return ToolStatus{Path: path, Err: err}
	}
	return ToolStatus{Available: true, Path: path, Version: extractVersion(string(out))}
}

func extractVersion(output string) string {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if strings.Contains(strings.ToLower(line), "version") || strings.Contains(line, "Revision") {
			return line
		}
	}
	if idx := strings.IndexByte(output, '\n'); idx > 0 {
		return strings.TrimSpace(output[:idx])
	}
	return "unknown"
}

func firstExisting(paths ...string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	if len(paths) > 0 {
		return paths[len(paths)-1]
	}
	return ""
}

// DefaultSextractorPath guesses where the SExtractor binary lives.
func DefaultSextractorPath() string {
	switch runtime.GOOS {
	case "darwin":
		return firstExisting("/usr/local/bin/sex", "/opt/homebrew/bin/sex")
	case "windows":
		return "" // not practically installable there
	default:
		return firstExisting("/usr/bin/sextractor", "/usr/bin/sex")
	}
}

// DefaultSolverPath guesses where solve-field lives.
func DefaultSolverPath() string {
	home, _ := os.UserHomeDir()
	switch runtime.GOOS {
	case "darwin":
		return firstExisting("/usr/local/bin/solve-field",
			"/Applications/KStars.app/Contents/MacOS/astrometry/bin/solve-field")
	case "windows":
		return firstExisting(
			home+"/AppData/Local/cygwin_ansvr/lib/astrometry/bin/solve-field.exe",
			"C:/cygwin64/bin/solve-field")
	default:
		return firstExisting("/usr/local/bin/solve-field", "/usr/bin/solve-field")
	}
}

// DefaultAstapPath guesses where the ASTAP binary lives.
func DefaultAstapPath() string {
	switch runtime.GOOS {
	case "darwin":
		return "/Applications/ASTAP.app/Contents/MacOS/astap"
	case "windows":
		return "C:/Program Files/astap/astap.exe"
	default:
		return firstExisting("/bin/astap", "/opt/astap/astap")
	}
}

// ToolReport summarizes every configured solver binary, for the status
// command.
func ToolReport(sextractor, solveField, astap string) map[string]ToolStatus {
	report := map[string]ToolStatus{}
	for name, path := range map[string]string{
		"sextractor":  sextractor,
		"solve-field": solveField,
		"astap":       astap,
	} {
		if path == "" {
			report[name] = ToolStatus{Err: fmt.Errorf("not configured")}
			continue
		}
		report[name] = CheckTool(path)
	}
	return report
}
