package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestRootHasCommands(t *testing.T) {
	root := buildRoot()
	want := []string{"run", "serve", "validate", "dump", "start", "stop", "restart", "status"}
	for _, name := range want {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Fatalf("command %q missing: %v", name, err)
		}
	}
	serve, _, _ := root.Find([]string{"serve"})
	if serve.Flags().Lookup("daemonize") == nil {
		t.Fatalf("serve should accept --daemonize")
	}
	run, _, _ := root.Find([]string{"run"})
	if run.Flags().Lookup("daemonize") != nil {
		t.Fatalf("run stays in the foreground")
	}
}

func TestHelpMentionsTether(t *testing.T) {
	root := buildRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--help"})
	if err := root.Execute(); err != nil {
		t.Fatalf("help should succeed: %v", err)
	}
	if !strings.Contains(out.String(), "tether run ecosystem.json") {
		t.Fatalf("unexpected help output: %s", out.String())
	}
}

func TestMissingArguments(t *testing.T) {
	cases := [][]string{
		{"validate"},
		{"run"},
		{"start"},
		{"stop"},
	}
	for _, args := range cases {
		root := buildRoot()
		root.SetOut(&bytes.Buffer{})
		root.SetErr(&bytes.Buffer{})
		root.SetArgs(args)
		if err := root.Execute(); err == nil {
			t.Fatalf("%v should fail", args)
		}
	}
}
