package process

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteReadPIDFileOverwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "sshd.pid")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("999999\nstale garbage\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := WritePIDFile(path, 4242); err != nil {
		t.Fatalf("WritePIDFile: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "4242\n" {
		t.Fatalf("content = %q", b)
	}
	pid, err := ReadPIDFile(path)
	if err != nil || pid != 4242 {
		t.Fatalf("ReadPIDFile = %d, %v", pid, err)
	}
	fi, _ := os.Stat(path)
	if fi.Mode().Perm() != 0o644 {
		t.Fatalf("mode = %v", fi.Mode().Perm())
	}
}

func TestReadPIDFileRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	for name, content := range map[string]string{"empty": "", "text": "abc\n", "neg": "-5\n"} {
		p := filepath.Join(dir, name)
		_ = os.WriteFile(p, []byte(content), 0o644)
		if _, err := ReadPIDFile(p); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
	if err := WritePIDFile(filepath.Join(dir, "zero.pid"), 0); err == nil {
		t.Fatalf("expected error for pid 0")
	}
}

func TestRemovePIDFileOnlyWhenOwned(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p.pid")
	if err := WritePIDFile(path, 100); err != nil {
		t.Fatal(err)
	}
	if err := RemovePIDFile(path, 200); err != nil {
		t.Fatalf("RemovePIDFile: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("file owned by another pid must stay: %v", err)
	}
	if err := RemovePIDFile(path, 100); err != nil {
		t.Fatalf("RemovePIDFile: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected removal, stat err=%v", err)
	}
	if err := RemovePIDFile(path, 0); err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if err := RemovePIDFile("", 1); err != nil {
		t.Fatalf("empty path should be a no-op: %v", err)
	}
}
