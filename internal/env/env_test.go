package env

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func lookup(list []string, key string) (string, bool) {
	for _, kv := range list {
		if strings.HasPrefix(kv, key+"=") {
			return kv[len(key)+1:], true
		}
	}
	return "", false
}

func TestMergeOrder(t *testing.T) {
	t.Setenv("MCPHUB_ENV_BASE", "os")
	e := New()
	e.Set("MCPHUB_ENV_BASE", "global")
	e.Set("GLOBAL_ONLY", "g")

	out := e.Merge(map[string]string{"MCPHUB_ENV_BASE": "server", "REF": "${GLOBAL_ONLY}-x"})
	if v, _ := lookup(out, "MCPHUB_ENV_BASE"); v != "server" {
		t.Fatalf("per-server value should win, got %q", v)
	}
	if v, _ := lookup(out, "REF"); v != "g-x" {
		t.Fatalf("expected expansion g-x, got %q", v)
	}
	if _, ok := lookup(out, "PATH"); !ok && os.Getenv("PATH") != "" {
		t.Fatalf("OS environment should be inherited")
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(map[string]string{"A_1": "x", "_B": "y"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, bad := range []string{"", "1A", "A-B", "A B", "A=B"} {
		if err := Validate(map[string]string{bad: "x"}); err == nil {
			t.Fatalf("expected error for key %q", bad)
		}
	}
}

func TestLoadFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "app.env")
	content := "# comment\nTOKEN=\"abc\"\n\nREGION = eu\n"
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	e := New()
	if err := e.LoadFile(p); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if e.Var["TOKEN"] != "abc" || e.Var["REGION"] != "eu" {
		t.Fatalf("unexpected vars: %#v", e.Var)
	}

	bad := filepath.Join(t.TempDir(), "bad.env")
	_ = os.WriteFile(bad, []byte("NOEQUALS\n"), 0o600)
	if err := New().LoadFile(bad); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestWithSetDoesNotMutate(t *testing.T) {
	base := New()
	base.Set("A", "1")
	next := base.WithSet("B", "2")
	if _, ok := base.Var["B"]; ok {
		t.Fatalf("WithSet mutated receiver")
	}
	if next.Var["A"] != "1" || next.Var["B"] != "2" {
		t.Fatalf("unexpected copy: %#v", next.Var)
	}
}
