package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestMatchAny(t *testing.T) {
	pats := []string{"node_modules", "*.log", "tmp/*"}
	cases := map[string]bool{
		"/srv/app/node_modules":         true,
		"/srv/app/node_modules/x/y.js":  true,
		"/srv/app/out.log":              true,
		"/srv/app/tmp/cache":            true,
		"/srv/app/main.go":              false,
		"/srv/app/logs/readme.md":       false,
		"/srv/app/.git/HEAD":            false,
	}
	for p, want := range cases {
		if got := matchAny(pats, p); got != want {
			t.Errorf("%s: got %v want %v", p, got, want)
		}
	}
}

func TestWatcherDebouncesAndIgnores(t *testing.T) {
	dir := t.TempDir()
	w, err := New(Config{Paths: []string{dir}, Ignore: []string{"*.log"}, Debounce: 100 * time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	batches := make(chan []string, 10)
	go w.Run(ctx, func(p []string) { batches <- p })

	for i := 0; i < 5; i++ {
		_ = os.WriteFile(filepath.Join(dir, "a.conf"), []byte{byte(i)}, 0o644)
		_ = os.WriteFile(filepath.Join(dir, "noise.log"), []byte{byte(i)}, 0o644)
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case b := <-batches:
		if len(b) != 1 || filepath.Base(b[0]) != "a.conf" {
			t.Fatalf("unexpected batch %q", b)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no change delivered")
	}
	select {
	case b := <-batches:
		t.Fatalf("burst should be coalesced into one batch, got extra %q", b)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcherPicksUpNewDirectories(t *testing.T) {
	dir := t.TempDir()
	w, err := New(Config{Paths: []string{dir}, Debounce: 50 * time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	batches := make(chan []string, 10)
	go w.Run(ctx, func(p []string) { batches <- p })

	sub := filepath.Join(dir, "conf.d")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	<-batches
	time.Sleep(50 * time.Millisecond)
	_ = os.WriteFile(filepath.Join(sub, "x.conf"), []byte("x"), 0o644)
	select {
	case b := <-batches:
		if filepath.Base(b[len(b)-1]) != "x.conf" {
			t.Fatalf("unexpected batch %q", b)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("change in new directory not delivered")
	}
}

func TestNewRequiresPaths(t *testing.T) {
	if _, err := New(Config{}, nil); err == nil {
		t.Fatalf("expected error without paths")
	}
	if _, err := New(Config{Paths: []string{"/nonexistent/watch/path"}}, nil); err == nil {
		t.Fatalf("expected error for missing path")
	}
}
