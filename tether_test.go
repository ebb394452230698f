package tether

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/tether/internal/logger"
)

func requireUnix(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

func quiet(Spec) (*logger.Outputs, error) {
	return &logger.Outputs{Stdout: io.Discard, Stderr: io.Discard}, nil
}

func shutdown(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = m.Shutdown(ctx)
}

func TestManagerFacadeLifecycleAndMetrics(t *testing.T) {
	requireUnix(t)
	if err := RegisterMetricsDefault(); err != nil {
		t.Fatalf("RegisterMetricsDefault: %v", err)
	}
	m := New(WithOutputFactory(quiet))
	defer shutdown(t, m)

	pidFile := filepath.Join(t.TempDir(), "pf1.pid")
	s := Spec{Name: "pf1", Script: "/bin/sh", Args: []string{"-c", "exec sleep 30"}, PIDFile: pidFile}
	if err := m.Register(s); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.Register(s); !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("expected ErrAlreadyRegistered, got %v", err)
	}
	if err := m.Start(context.Background(), "pf1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	st, err := m.Status("pf1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !st.Running || st.PID <= 0 {
		t.Fatalf("unexpected status: %+v", st)
	}
	if err := m.Stop("pf1", 2*time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if sts := m.StatusAll(); len(sts) != 1 || sts[0].Running {
		t.Fatalf("unexpected statuses: %+v", sts)
	}
	if _, err := os.Stat(pidFile); !os.IsNotExist(err) {
		t.Fatalf("pid file should be removed after stop: %v", err)
	}

	rr := httptest.NewRecorder()
	metricsServer(":0").Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics handler status %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `tether_process_starts_total{name="pf1"} 1`) {
		t.Fatalf("metrics output missing start counter: %s", rr.Body.String())
	}

	if err := m.Remove("pf1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := m.Status("pf1"); !errors.Is(err, ErrUnknownProcess) {
		t.Fatalf("expected ErrUnknownProcess, got %v", err)
	}
}

func TestRegisterMetricsCustomRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := RegisterMetrics(reg); err != nil {
		t.Fatalf("RegisterMetrics: %v", err)
	}
	if err := RegisterMetrics(reg); err != nil {
		t.Fatalf("second RegisterMetrics should be a no-op: %v", err)
	}
}

func TestLoadEcosystemOpenSSHExample(t *testing.T) {
	eco, err := LoadEcosystem(filepath.Join("examples", "openssh", "ecosystem.json"), LoadOptions{})
	if err != nil {
		t.Fatalf("LoadEcosystem: %v", err)
	}
	app, ok := eco.App("openssh")
	if !ok {
		t.Fatalf("openssh app missing")
	}
	if app.Script != "/usr/sbin/sshd" || strings.Join(app.Args, " ") != "-D -e" || app.PIDFile != "/var/run/sshd.pid" || app.Watch {
		t.Fatalf("unexpected app: %+v", app)
	}
}

func TestApplyConfigAndHandler(t *testing.T) {
	requireUnix(t)
	m := New(WithOutputFactory(quiet))
	defer shutdown(t, m)

	specs := []Spec{{Name: "svc", Script: "/bin/sh", Args: []string{"-c", "exec sleep 30"}}}
	if err := m.ApplyConfig(context.Background(), specs); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}
	srv := httptest.NewServer(NewHandler(m, "/api"))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/status?name=svc")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"running":true`) {
		t.Fatalf("status: %d %s", resp.StatusCode, body)
	}
}

func TestHistoryFacade(t *testing.T) {
	requireUnix(t)
	sinks, err := NewHistorySinks([]string{"sqlite://:memory:"})
	if err != nil {
		t.Fatalf("NewHistorySinks: %v", err)
	}
	rec := NewHistoryRecorder(sinks...)
	m := New(WithOutputFactory(quiet), WithHistory(rec))
	if err := m.Register(Spec{Name: "h", Script: "/bin/sh", Args: []string{"-c", "exit 0"}}); err != nil {
		t.Fatal(err)
	}
	if err := m.Start(context.Background(), "h"); err != nil {
		t.Fatalf("start: %v", err)
	}
	shutdown(t, m)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rec.Close(ctx); err != nil {
		t.Fatalf("recorder close: %v", err)
	}
	if _, err := NewHistorySinks([]string{"ftp://nowhere"}); err == nil {
		t.Fatalf("unsupported DSN should fail")
	}
}
