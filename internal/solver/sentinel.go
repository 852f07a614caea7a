package solver

import (
	"context"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// The astrometric engine is an external C library that polls the filesystem
// for a cancel file, and external solver binaries signal a finished field by
// creating a solved file. Both protocols are intrinsic to those tools; the
// helpers here only create, observe and remove the files.

// requestCancelFile creates the cancel sentinel. Nothing happens when the
// parent directory is gone, which matches a worker that already cleaned up.
func requestCancelFile(path string) {
	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		return
	}
	os.WriteFile(path, []byte("Cancel"), 0o644)
}

// markSolvedFile creates the solved sentinel that tells sibling solvers the
// field is done.
func markSolvedFile(path string) {
	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		return
	}
	os.WriteFile(path, []byte("Solved"), 0o644)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// watchFile reports on the returned channel when path appears, using an
// fsnotify watch on its directory. The channel also fires when the file
// already exists at call time. The watch stops when ctx is cancelled.
func watchFile(ctx context.Context, path string) (<-chan struct{}, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}

	hit := make(chan struct{}, 1)
	if fileExists(path) {
		hit <- struct{}{}
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name == path && event.Has(fsnotify.Create|fsnotify.Write) {
					select {
					case hit <- struct{}{}:
					default:
					}
					return
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return hit, nil
}
