package validator

import (
	"strings"
	"testing"

	"safe-python-exec/internal/policy"
)

func newValidator(t *testing.T) *Validator {
	t.Helper()
	return New(policy.Default())
}

func TestCheckAcceptsCleanCode(t *testing.T) {
	v := newValidator(t)

	codes := []string{
		"print(1+1)",
		"import math\nprint(math.sqrt(2))",
		"data = [x**2 for x in range(10)]\nprint(sum(data))",
		"import json\nprint(json.dumps({'a': 1}))",
	}

	for _, code := range codes {
		verdict, tree := v.Check(code)
		if !verdict.Accepted() {
			t.Errorf("Check(%q) rejected: %s", code, verdict.Reason())
		}
		if tree == nil {
			t.Errorf("Check(%q) accepted without a tree", code)
		}
	}
}

func TestCheckSizeCeilings(t *testing.T) {
	v := newValidator(t)

	t.Run("byte ceiling", func(t *testing.T) {
		verdict, _ := v.Check(strings.Repeat("x = 1\n", 2000))
		if verdict.Accepted() {
			t.Fatal("oversized code accepted")
		}
		if verdict.Category() != CategorySize {
			t.Errorf("category = %q, want %q", verdict.Category(), CategorySize)
		}
	})

	t.Run("line ceiling", func(t *testing.T) {
		// 101 short lines stays under the byte ceiling
		verdict, _ := v.Check(strings.Repeat("a=1\n", 101))
		if verdict.Accepted() {
			t.Fatal("over-long code accepted")
		}
		if verdict.Category() != CategoryLines {
			t.Errorf("category = %q, want %q", verdict.Category(), CategoryLines)
		}
	})

	t.Run("empty code", func(t *testing.T) {
		verdict, _ := v.Check("  \n\t\n")
		if verdict.Accepted() {
			t.Fatal("blank code accepted")
		}
		if verdict.Category() != CategorySyntax {
			t.Errorf("category = %q, want %q", verdict.Category(), CategorySyntax)
		}
	})
}

func TestCheckDenyPatterns(t *testing.T) {
	v := newValidator(t)

	tests := []struct {
		name      string
		code      string
		construct string
	}{
		{"eval call", `eval("1+1")`, "dynamic_eval"},
		{"exec call", `exec("pass")`, "dynamic_eval"},
		{"dunder import", `__import__("os")`, "dynamic_import"},
		{"open call", `open("/etc/passwd")`, "file_access"},
		{"input call", `input("? ")`, "stdin_access"},
		{"os attribute", `x = os.environ`, "system_module"},
		{"case insensitive os", `x = OS.environ`, "system_module"},
		{"socket use", `socket.socket()`, "network_module"},
		{"pickle use", `pickle.loads(b"")`, "serialization_module"},
		{"ctypes use", `ctypes.CDLL(None)`, "lowlevel_module"},
		{"globals call", `globals()`, "scope_access"},
		{"dunder assignment", `__builtins__ = {}`, "dunder_assignment"},
		{"chr obfuscation", `name = chr(111) + chr(115)`, "charcode_obfuscation"},
		{"base64 payload", `base64.b64decode("aW1wb3J0IG9z")`, "encoded_payload"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verdict, tree := v.Check(tt.code)
			if verdict.Accepted() {
				t.Fatalf("Check(%q) accepted", tt.code)
			}
			if verdict.Category() != CategoryPattern {
				t.Errorf("category = %q, want %q", verdict.Category(), CategoryPattern)
			}
			if verdict.Construct() != tt.construct {
				t.Errorf("construct = %q, want %q", verdict.Construct(), tt.construct)
			}
			if tree != nil {
				t.Error("rejected code returned a tree")
			}
		})
	}
}

func TestCheckPatternsBeforeParse(t *testing.T) {
	// Matching a deny pattern wins even when the code does not parse.
	v := newValidator(t)

	verdict, _ := v.Check(`eval("1+1"`)
	if verdict.Category() != CategoryPattern {
		t.Errorf("category = %q, want %q", verdict.Category(), CategoryPattern)
	}
}

func TestCheckSyntaxErrorIsGeneric(t *testing.T) {
	v := newValidator(t)

	verdict, tree := v.Check("def broken(:\n    pass")
	if verdict.Accepted() {
		t.Fatal("invalid syntax accepted")
	}
	if verdict.Category() != CategorySyntax {
		t.Errorf("category = %q, want %q", verdict.Category(), CategorySyntax)
	}
	if strings.Contains(verdict.Reason(), "broken") {
		t.Errorf("reason %q echoes source text", verdict.Reason())
	}
	if tree != nil {
		t.Error("invalid syntax returned a tree")
	}
}

func TestCheckDeterministic(t *testing.T) {
	v := newValidator(t)
	code := `open("x") or eval("y")`

	first, _ := v.Check(code)
	for i := 0; i < 20; i++ {
		verdict, _ := v.Check(code)
		if verdict.Construct() != first.Construct() || verdict.Reason() != first.Reason() {
			t.Fatalf("run %d verdict %q/%q differs from %q/%q",
				i, verdict.Construct(), verdict.Reason(), first.Construct(), first.Reason())
		}
	}
}

func TestCountLines(t *testing.T) {
	tests := []struct {
		source string
		want   int
	}{
		{"a=1", 1},
		{"a=1\n", 1},
		{"a=1\nb=2", 2},
		{"a=1\nb=2\n", 2},
	}
	for _, tt := range tests {
		if got := countLines(tt.source); got != tt.want {
			t.Errorf("countLines(%q) = %d, want %d", tt.source, got, tt.want)
		}
	}
}
