package process

import (
	"strings"
	"testing"
)

func TestBuildCommand_ExplicitShellNoDoubleWrap(t *testing.T) {
	requireUnix(t)
	s := Spec{Command: "sh -c 'echo hi'"}
	cmd, err := s.BuildCommand()
	if err != nil {
		t.Fatalf("BuildCommand: %v", err)
	}
	if len(cmd.Args) != 3 || cmd.Args[1] != "-c" || cmd.Args[2] != "echo hi" {
		t.Fatalf("unexpected args %q", cmd.Args)
	}
}

func TestBuildCommand_Metacharacters(t *testing.T) {
	requireUnix(t)
	s := Spec{Command: "echo a | tr a b"}
	cmd, err := s.BuildCommand()
	if err != nil {
		t.Fatalf("BuildCommand: %v", err)
	}
	if cmd.Path != "/bin/sh" || cmd.Args[2] != "echo a | tr a b" {
		t.Fatalf("expected shell wrap, got %q", cmd.Args)
	}
}

func TestBuildCommand_SplitsPlainCommand(t *testing.T) {
	requireUnix(t)
	s := Spec{Command: "  sleep   5 "}
	cmd, err := s.BuildCommand()
	if err != nil {
		t.Fatalf("BuildCommand: %v", err)
	}
	if !strings.HasSuffix(cmd.Path, "sleep") || len(cmd.Args) != 2 || cmd.Args[1] != "5" {
		t.Fatalf("unexpected cmd %q %q", cmd.Path, cmd.Args)
	}
}

func TestParseExplicitShell(t *testing.T) {
	cases := map[string]string{
		"sh -c 'a b'":        "a b",
		"/bin/sh -c \"x\"":   "x",
		"  sh -c echo hi":    "echo hi",
		"/usr/bin/sh -c 'y'": "y",
	}
	for in, want := range cases {
		_, got, ok := parseExplicitShell(in)
		if !ok || got != want {
			t.Fatalf("%q: got %q ok=%v", in, got, ok)
		}
	}
	if _, _, ok := parseExplicitShell("bash -c x"); ok {
		t.Fatalf("bash should not match")
	}
}
