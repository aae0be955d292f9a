package watch

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestWatcher(t *testing.T, dir string, settle time.Duration) (*Watcher, chan string) {
	t.Helper()
	settled := make(chan string, 16)
	w, err := New([]string{dir}, settle, testLogger(), func(path string) {
		settled <- path
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { w.Stop() })
	return w, settled
}

func TestSettledStarFileFiresOnce(t *testing.T) {
	dir := t.TempDir()
	_, settled := newTestWatcher(t, dir, 100*time.Millisecond)

	path := filepath.Join(dir, "particles.star")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// Trickle writes inside the settle window to exercise the debounce.
	for i := 0; i < 3; i++ {
		if _, err := f.WriteString("data_\n\nloop_\n"); err != nil {
			t.Fatalf("write: %v", err)
		}
		time.Sleep(30 * time.Millisecond)
	}
	f.Close()

	select {
	case got := <-settled:
		if got != path {
			t.Errorf("settled path = %q, want %q", got, path)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no settle callback")
	}

	select {
	case got := <-settled:
		t.Errorf("second callback for %q, want exactly one", got)
	case <-time.After(400 * time.Millisecond):
	}
}

func TestIgnoresOtherExtensions(t *testing.T) {
	dir := t.TempDir()
	_, settled := newTestWatcher(t, dir, 50*time.Millisecond)

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "map.mrc"), []byte("x"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case got := <-settled:
		t.Errorf("callback for non-star file %q", got)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestRemoveCancelsPending(t *testing.T) {
	dir := t.TempDir()
	_, settled := newTestWatcher(t, dir, 500*time.Millisecond)

	path := filepath.Join(dir, "doomed.star")
	if err := os.WriteFile(path, []byte("data_\n"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}

	select {
	case got := <-settled:
		t.Errorf("callback for removed file %q", got)
	case <-time.After(time.Second):
	}
}

func TestStartFailsOnMissingDir(t *testing.T) {
	w, err := New([]string{filepath.Join(t.TempDir(), "nope")}, time.Second, testLogger(), func(string) {})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Stop()

	if err := w.Start(); err == nil {
		t.Fatal("Start succeeded on missing directory")
	}
}

func TestIsStarFile(t *testing.T) {
	cases := map[string]bool{
		"particles.star":      true,
		"run_data.STAR":       true,
		"path/to/job.Star":    true,
		"particles.mrcs":      false,
		"star":                false,
		"particles.star.lock": false,
	}
	for path, want := range cases {
		if got := isStarFile(path); got != want {
			t.Errorf("isStarFile(%q) = %v, want %v", path, got, want)
		}
	}
}
