package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/tether/internal/logger"
	"github.com/loykin/tether/internal/manager"
	"github.com/loykin/tether/internal/process"
	"github.com/loykin/tether/internal/server"
	"github.com/loykin/tether/pkg/client"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func startAPI(t *testing.T) (*manager.Manager, APIFlags) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	mgr := manager.NewManager(manager.WithOutputFactory(func(process.Spec) (*logger.Outputs, error) {
		return &logger.Outputs{Stdout: io.Discard, Stderr: io.Discard}, nil
	}))
	srv := httptest.NewServer(server.NewRouter(mgr, "/api").Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
	})
	return mgr, APIFlags{APIUrl: srv.URL + "/api", APITimeout: 5 * time.Second}
}

func TestClientCommands(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix sleep")
	}
	mgr, api := startAPI(t)
	if err := mgr.Register(process.Spec{Name: "c1", Script: "/bin/sh", Args: []string{"-c", "exec sleep 30"}}); err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	c := command{out: &out}
	ctx := context.Background()

	if err := c.Start(ctx, ProcessFlags{APIFlags: api, Name: "c1"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	var st client.ProcessStatus
	if err := json.Unmarshal(out.Bytes(), &st); err != nil || !st.Running {
		t.Fatalf("start output %q: %v", out.String(), err)
	}

	out.Reset()
	if err := c.Restart(ctx, ProcessFlags{APIFlags: api, Name: "c1"}); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if !strings.Contains(out.String(), `"restarts": 1`) {
		t.Fatalf("restart output: %s", out.String())
	}

	out.Reset()
	if err := c.Stop(ctx, ProcessFlags{APIFlags: api, Name: "c1", Wait: 2 * time.Second}); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !strings.Contains(out.String(), `"state": "stopped"`) {
		t.Fatalf("stop output: %s", out.String())
	}

	out.Reset()
	if err := c.Status(ctx, ProcessFlags{APIFlags: api}); err != nil {
		t.Fatalf("status: %v", err)
	}
	var all []client.ProcessStatus
	if err := json.Unmarshal(out.Bytes(), &all); err != nil || len(all) != 1 {
		t.Fatalf("status output %q: %v", out.String(), err)
	}

	if err := c.Status(ctx, ProcessFlags{APIFlags: api, Name: "nope"}); !client.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestClientCommandsDaemonDown(t *testing.T) {
	c := command{out: io.Discard}
	f := ProcessFlags{APIFlags: APIFlags{APIUrl: "http://127.0.0.1:1/api", APITimeout: 200 * time.Millisecond}, Name: "x"}
	err := c.Start(context.Background(), f)
	if err == nil || !strings.Contains(err.Error(), "daemon not reachable") {
		t.Fatalf("expected unreachable error, got %v", err)
	}
}

const opensshJSON = `{
  "apps": [{
    "name": "openssh",
    "interpreter": "none",
    "script": "/usr/sbin/sshd",
    "args": ["-D", "-e"],
    "watch": false,
    "pid_file": "/var/run/sshd.pid",
    "log_date_format": "YYYY-MM-DDTHH:mm:ss"
  }]
}`

func TestValidateAndDump(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "ecosystem.json", opensshJSON)
	var out bytes.Buffer
	c := command{out: &out}

	if err := c.Validate(p, false); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out.String(), "ok (1 apps)") {
		t.Fatalf("validate output: %s", out.String())
	}

	out.Reset()
	if err := c.Dump(p, false, "yaml"); err != nil {
		t.Fatalf("dump: %v", err)
	}
	for _, want := range []string{"name: openssh", "script: /usr/sbin/sshd", "pid_file: /var/run/sshd.pid", "watch: false"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("dump missing %q:\n%s", want, out.String())
		}
	}

	bad := writeFile(t, dir, "bad.json", `{"apps":[{"name":"x","script":"/bin/true","colour":"red"}]}`)
	if err := c.Validate(bad, false); err == nil {
		t.Fatalf("unknown key should fail in strict mode")
	}
	out.Reset()
	if err := c.Validate(bad, true); err != nil {
		t.Fatalf("lenient validate: %v", err)
	}
	if !strings.Contains(out.String(), "warning: unknown key apps[0].colour") {
		t.Fatalf("lenient output: %s", out.String())
	}
	if err := c.Dump(p, false, "xml"); err == nil {
		t.Fatalf("unknown dump format should fail")
	}
}
