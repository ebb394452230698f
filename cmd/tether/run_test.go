package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/tether/internal/history/sqlite"
)

func ecosystem(dir string, names ...string) string {
	apps := make([]string, 0, len(names))
	for _, n := range names {
		apps = append(apps, fmt.Sprintf(`{"name": %q, "script": "/bin/sh", "args": ["-c", "exec sleep 30"], "pid_file": %q, "out_file": %q}`,
			n, filepath.Join(dir, n+".pid"), filepath.Join(dir, n+".out.log")))
	}
	return fmt.Sprintf(`{
  "apps": [%s],
  "tether": {
    "log": {"slog": {"level": "debug"}},
    "history": {"dsns": [%q]}
  }
}`, strings.Join(apps, ","), "sqlite://"+filepath.Join(dir, "history.db"))
}

func waitForPID(t *testing.T, path string) int {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if b, err := os.ReadFile(path); err == nil {
			if pid, err := strconv.Atoi(strings.TrimSpace(string(b))); err == nil && pid > 0 {
				return pid
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("pid file %s not written", path)
	return 0
}

func TestRunDaemonLifecycleAndReload(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix sleep")
	}
	dir := t.TempDir()
	cfg := writeFile(t, dir, "ecosystem.json", ecosystem(dir, "alpha"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reload := make(chan os.Signal, 1)
	done := make(chan error, 1)
	go func() { done <- runDaemon(ctx, RunFlags{ConfigPath: cfg}, viper.New(), reload) }()

	waitForPID(t, filepath.Join(dir, "alpha.pid"))

	writeFile(t, dir, "ecosystem.json", ecosystem(dir, "alpha", "beta"))
	reload <- syscall.SIGHUP
	waitForPID(t, filepath.Join(dir, "beta.pid"))

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runDaemon: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatalf("daemon did not shut down")
	}
	for _, n := range []string{"alpha", "beta"} {
		if _, err := os.Stat(filepath.Join(dir, n+".pid")); !os.IsNotExist(err) {
			t.Fatalf("%s pid file should be removed on shutdown: %v", n, err)
		}
	}

	sink, err := sqlite.New(filepath.Join(dir, "history.db"))
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	defer func() { _ = sink.Close() }()
	n, err := sink.Count(context.Background(), "alpha")
	if err != nil || n < 2 {
		t.Fatalf("expected start and stop events for alpha, got %d (%v)", n, err)
	}
}

func TestRunDaemonRejectsBadConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := writeFile(t, dir, "ecosystem.json", `{"apps": []}`)
	err := runDaemon(context.Background(), RunFlags{ConfigPath: cfg}, viper.New(), nil)
	if err == nil || !strings.Contains(err.Error(), "no apps defined") {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestServeDefaultsAPIListen(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix sleep")
	}
	dir := t.TempDir()
	cfg := writeFile(t, dir, "ecosystem.json", `{"apps": [{"name": "s", "script": "/bin/sh", "args": ["-c", "exit 0"]}], "tether": {"api": {"listen": "127.0.0.1:0"}}}`)
	ctx := context.Background()
	d, err := startDaemon(ctx, RunFlags{ConfigPath: cfg, Serve: true}, viper.New())
	if err != nil {
		t.Fatalf("startDaemon: %v", err)
	}
	if d.settings.API.Listen != "127.0.0.1:0" {
		t.Fatalf("configured listen should win, got %q", d.settings.API.Listen)
	}
	sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := d.shutdown(sctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
