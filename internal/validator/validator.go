// Package validator is the first line of defense: cheap textual checks that
// reject oversized or obviously hostile submissions before any tree is built,
// followed by a real Python parse whose result feeds the structural analyzer.
package validator

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/go-python/gpython/ast"
	"github.com/go-python/gpython/parser"
	"github.com/go-python/gpython/py"
	"github.com/rs/zerolog/log"

	"safe-python-exec/internal/policy"
)

// denyPattern is a regex the raw source must not match. These catch the
// high-volume trivial attacks (and string-level obfuscation the AST walk
// cannot see) without building a tree.
type denyPattern struct {
	name   string
	reason string
	re     *regexp.Regexp
}

var denyPatterns = []denyPattern{
	{
		name:   "dynamic_eval",
		reason: "use of eval() or exec() is not allowed",
		re:     regexp.MustCompile(`\b(eval|exec)\s*\(`),
	},
	{
		name:   "dynamic_import",
		reason: "use of __import__() is not allowed",
		re:     regexp.MustCompile(`\b__import__\s*\(`),
	},
	{
		name:   "file_access",
		reason: "file operations are not allowed",
		re:     regexp.MustCompile(`\bopen\s*\(`),
	},
	{
		name:   "stdin_access",
		reason: "input operations are not allowed",
		re:     regexp.MustCompile(`\binput\s*\(`),
	},
	{
		name:   "system_module",
		reason: "system module access is not allowed",
		re:     regexp.MustCompile(`(?i)\b(subprocess|os|sys)\s*\.`),
	},
	{
		name:   "network_module",
		reason: "network operations are not allowed",
		re:     regexp.MustCompile(`(?i)\b(socket|urllib|requests)\s*\.`),
	},
	{
		name:   "serialization_module",
		reason: "serialization modules are not allowed",
		re:     regexp.MustCompile(`(?i)\b(pickle|marshal|shelve)\s*\.`),
	},
	{
		name:   "lowlevel_module",
		reason: "low-level system access is not allowed",
		re:     regexp.MustCompile(`(?i)\b(ctypes|multiprocessing)\s*\.`),
	},
	{
		name:   "scope_access",
		reason: "access to global/local scope is not allowed",
		re:     regexp.MustCompile(`\b(globals|locals)\s*\(\s*\)`),
	},
	{
		name:   "dunder_assignment",
		reason: "dunder attribute modification is not allowed",
		re:     regexp.MustCompile(`__\w+__\s*=[^=]`),
	},
	{
		// chr(111)+chr(115) style reconstruction of blocked names
		name:   "charcode_obfuscation",
		reason: "character-code string construction is not allowed",
		re:     regexp.MustCompile(`chr\s*\(\s*\d+\s*\)\s*\+\s*chr\s*\(`),
	},
	{
		name:   "encoded_payload",
		reason: "decoding embedded payloads is not allowed",
		re:     regexp.MustCompile(`(?i)\b(base64|codecs)\s*\.\s*(b64decode|decode)\s*\(`),
	},
}

// Validator performs the pattern and syntax stage. It never mutates the
// submission and has no side effects beyond its verdict.
type Validator struct {
	policies *policy.Set
}

func New(policies *policy.Set) *Validator {
	return &Validator{policies: policies}
}

// Check validates the raw source. On acceptance it also returns the parsed
// module so the analyzer does not parse a second time. Ceiling checks run
// strictly before any parse attempt.
func (v *Validator) Check(source string) (Verdict, ast.Ast) {
	limits := v.policies.Limits()

	if len(source) > limits.MaxCodeBytes {
		return Reject(CategorySize, "",
			fmt.Sprintf("code exceeds maximum length of %d bytes", limits.MaxCodeBytes)), nil
	}
	if strings.TrimSpace(source) == "" {
		return Reject(CategorySyntax, "", "code is empty"), nil
	}
	if lines := countLines(source); lines > limits.MaxLines {
		return Reject(CategoryLines, "",
			fmt.Sprintf("code exceeds maximum of %d lines", limits.MaxLines)), nil
	}

	for _, p := range denyPatterns {
		if p.re.MatchString(source) {
			log.Debug().Str("pattern", p.name).Msg("submission matched deny pattern")
			return Reject(CategoryPattern, p.name, p.reason), nil
		}
	}

	tree, err := parser.ParseString(source, py.ExecMode)
	if err != nil {
		// The parser error can embed source fragments; never forward it.
		return Reject(CategorySyntax, "", "code is not valid Python syntax"), nil
	}

	return Accept(), tree
}

func countLines(s string) int {
	n := strings.Count(s, "\n")
	if !strings.HasSuffix(s, "\n") {
		n++
	}
	return n
}
