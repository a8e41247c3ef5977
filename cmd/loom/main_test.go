package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestRootCmdHasSubcommands(t *testing.T) {
	root := buildRootCmd()
	want := []string{"chat", "repair", "usage", "daemon", "conversations", "schema"}
	for _, name := range want {
		found := false
		for _, sub := range root.Commands() {
			if sub.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("missing subcommand %q", name)
		}
	}
}

func TestSchemaCmdPrintsJSON(t *testing.T) {
	root := buildRootCmd()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs([]string{"schema"})
	if err := root.Execute(); err != nil {
		t.Fatalf("schema: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, `"$schema"`) && !strings.Contains(out, `"properties"`) {
		t.Fatalf("expected JSON schema output, got %q", out)
	}
}

func TestChatCmdFlags(t *testing.T) {
	cmd := buildChatCmd()
	for _, flag := range []string{"config", "message", "project", "name", "provider", "model", "system", "timeline"} {
		if cmd.Flags().Lookup(flag) == nil {
			t.Errorf("chat missing flag %q", flag)
		}
	}
}

func TestRootCmdVersion(t *testing.T) {
	root := buildRootCmd()
	if root.Version == "" {
		t.Fatal("expected version to be set")
	}
}
