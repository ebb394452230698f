package env

import (
	"reflect"
	"strings"
	"testing"
)

func TestMergeLayersAndExpansion(t *testing.T) {
	e := New()
	e.FromList([]string{"PATH=/usr/bin", "HOME=/root", "malformed", "=nokey"})
	e.Set("LOG_DIR", "${HOME}/logs")
	got := e.Merge(map[string]string{"HOME": "/srv", "SSHD_OPTS": "-D ${MISSING}x"})
	want := []string{"HOME=/srv", "LOG_DIR=/srv/logs", "PATH=/usr/bin", "SSHD_OPTS=-D x"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestMergeIsDeterministicAndSkipsBadKeys(t *testing.T) {
	e := New()
	e.FromList(nil)
	for i := 0; i < 10; i++ {
		out := e.Merge(map[string]string{"B": "2", "A": "1", "": "x", "C=D": "y"})
		if strings.Join(out, ",") != "A=1,B=2" {
			t.Fatalf("unexpected merge: %q", out)
		}
	}
}

func TestWithSetDoesNotMutate(t *testing.T) {
	base := New()
	base.FromList([]string{"X=1"})
	derived := base.WithSet("Y", "2")
	if _, ok := base.Var["Y"]; ok {
		t.Fatalf("WithSet mutated receiver")
	}
	if got := derived.Merge(nil); !reflect.DeepEqual(got, []string{"X=1", "Y=2"}) {
		t.Fatalf("derived = %q", got)
	}
}

func TestFromOSUsedByDefault(t *testing.T) {
	t.Setenv("TETHER_ENV_TEST", "on")
	found := false
	for _, kv := range New().Merge(nil) {
		if kv == "TETHER_ENV_TEST=on" {
			found = true
		}
	}
	if !found {
		t.Fatalf("OS environment not included")
	}
}
