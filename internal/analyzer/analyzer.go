// Package analyzer enforces import, call, and complexity policy on the parsed
// tree. The walk is pre-order and left-to-right, so identical input always
// yields the identical first violation. Rebinding a blocked builtin to a new
// name is tracked through a small symbol table; renaming does not evade
// policy.
package analyzer

import (
	"fmt"
	"strings"

	"github.com/go-python/gpython/ast"

	"safe-python-exec/internal/policy"
	"safe-python-exec/internal/validator"
)

// Analyzer walks a parsed module and produces a single verdict. It holds no
// per-submission state; each Analyze call builds its own symbol table.
type Analyzer struct {
	policies *policy.Set
}

func New(policies *policy.Set) *Analyzer {
	return &Analyzer{policies: policies}
}

// Analyze checks the tree against the policy registry. The first violation in
// document order wins; the walk stops as soon as one is found.
func (a *Analyzer) Analyze(tree ast.Ast) validator.Verdict {
	w := &walker{
		policies: a.policies,
		limits:   a.policies.Limits(),
		bindings: make(map[string]string),
		verdict:  validator.Accept(),
	}

	ast.Walk(tree, w.visit)
	if !w.verdict.Accepted() {
		return w.verdict
	}

	if w.complexity > w.limits.MaxComplexity {
		return validator.Reject(validator.CategoryComplexity, "complexity_score",
			fmt.Sprintf("code complexity %d exceeds maximum of %d", w.complexity, w.limits.MaxComplexity))
	}

	if mod, ok := tree.(*ast.Module); ok {
		if depth := stmtDepth(mod.Body); depth > w.limits.MaxDepth {
			return validator.Reject(validator.CategoryComplexity, "nesting_depth",
				fmt.Sprintf("nesting depth %d exceeds maximum of %d", depth, w.limits.MaxDepth))
		}
	}

	return validator.Accept()
}

type walker struct {
	policies   *policy.Set
	limits     policy.Limits
	bindings   map[string]string // local name -> ultimate blocked target
	nodeCount  int
	complexity int
	verdict    validator.Verdict
}

// visit is the pre-order visitor. Returning false stops descent into the
// current node; once a verdict is set every subsequent visit bails out
// immediately.
func (w *walker) visit(node ast.Ast) bool {
	if !w.verdict.Accepted() {
		return false
	}

	w.nodeCount++
	if w.nodeCount > w.limits.MaxASTNodes {
		w.verdict = validator.Reject(validator.CategoryComplexity, "ast_nodes",
			fmt.Sprintf("syntax tree exceeds maximum of %d nodes", w.limits.MaxASTNodes))
		return false
	}

	switch n := node.(type) {
	case *ast.Import:
		for _, alias := range n.Names {
			if v := w.checkImport(string(alias.Name)); !v.Accepted() {
				w.verdict = v
				return false
			}
		}

	case *ast.ImportFrom:
		if n.Level > 0 {
			w.verdict = validator.Reject(validator.CategoryImport, ".",
				"relative imports are not allowed")
			return false
		}
		if v := w.checkImport(string(n.Module)); !v.Accepted() {
			w.verdict = v
			return false
		}
		// `from functools import reduce as r` binds r locally; nothing a
		// whitelisted module exports is itself policy-relevant, so only the
		// module needs checking here.

	case *ast.Call:
		if v := w.checkCall(n); !v.Accepted() {
			w.verdict = v
			return false
		}

	case *ast.Attribute:
		if attr := string(n.Attr); w.policies.AttributeBlocked(attr) {
			w.verdict = validator.Reject(validator.CategoryAttribute, attr,
				fmt.Sprintf("access to attribute '%s' is not allowed", attr))
			return false
		}

	case *ast.Assign:
		if v := w.checkAssign(n); !v.Accepted() {
			w.verdict = v
			return false
		}

	case *ast.For, *ast.While, *ast.If:
		w.complexity++
	case *ast.FunctionDef:
		w.complexity += 2
	case *ast.ClassDef:
		w.complexity += 3
	}

	return true
}

func (w *walker) checkImport(module string) validator.Verdict {
	if module == "" {
		return validator.Reject(validator.CategoryImport, ".",
			"relative imports are not allowed")
	}
	if w.policies.ModuleAllowed(module) {
		return validator.Accept()
	}
	if w.policies.ModuleBlocked(module) {
		return validator.Reject(validator.CategoryImport, module,
			fmt.Sprintf("import of dangerous module '%s' is not allowed", module))
	}
	// Includes submodules of allowed packages: only explicitly whitelisted
	// dotted paths pass, ambiguous cases reject.
	return validator.Reject(validator.CategoryImport, module,
		fmt.Sprintf("import of module '%s' is not allowed", module))
}

func (w *walker) checkCall(call *ast.Call) validator.Verdict {
	switch fn := call.Func.(type) {
	case *ast.Name:
		name := string(fn.Id)
		if w.policies.BuiltinBlocked(name) {
			return validator.Reject(validator.CategoryCall, name,
				fmt.Sprintf("use of dangerous function '%s' is not allowed", name))
		}
		// A re-bound alias of a blocked builtin is still the blocked builtin.
		if target, ok := w.bindings[name]; ok {
			return validator.Reject(validator.CategoryCall, target,
				fmt.Sprintf("use of dangerous function '%s' (via alias '%s') is not allowed", target, name))
		}

	case *ast.Attribute:
		path := attributePath(fn)
		root := path
		if i := strings.IndexByte(path, '.'); i >= 0 {
			root = path[:i]
		}
		if w.policies.ModuleBlocked(root) {
			return validator.Reject(validator.CategoryCall, path,
				fmt.Sprintf("call to '%s' is not allowed", path))
		}
		if target, ok := w.bindings[root]; ok {
			return validator.Reject(validator.CategoryCall, target,
				fmt.Sprintf("use of dangerous function '%s' (via alias '%s') is not allowed", target, root))
		}
	}

	// A blocked builtin handed to another call (`map(exec, ...)`) executes
	// just as surely as a direct call.
	for _, arg := range call.Args {
		if v := w.checkCallArg(arg); !v.Accepted() {
			return v
		}
	}
	for _, kw := range call.Keywords {
		if v := w.checkCallArg(kw.Value); !v.Accepted() {
			return v
		}
	}
	return validator.Accept()
}

func (w *walker) checkCallArg(arg ast.Expr) validator.Verdict {
	if star, ok := arg.(*ast.Starred); ok {
		arg = star.Value
	}
	name, ok := arg.(*ast.Name)
	if !ok {
		return validator.Accept()
	}
	id := string(name.Id)
	if w.policies.BuiltinBlocked(id) {
		return validator.Reject(validator.CategoryCall, id,
			fmt.Sprintf("passing dangerous function '%s' as an argument is not allowed", id))
	}
	if target, ok := w.bindings[id]; ok {
		return validator.Reject(validator.CategoryCall, target,
			fmt.Sprintf("use of dangerous function '%s' (via alias '%s') is not allowed", target, id))
	}
	return validator.Accept()
}

func (w *walker) checkAssign(assign *ast.Assign) validator.Verdict {
	for _, target := range assign.Targets {
		if id, found := dunderTarget(target); found {
			return validator.Reject(validator.CategoryAssignment, id,
				"assignment to dunder names is not allowed")
		}
	}

	// Track `x = eval` style rebinding so calling x later is caught. A later
	// clean reassignment of the same name clears the taint.
	for _, target := range assign.Targets {
		w.bind(target, assign.Value)
	}
	return validator.Accept()
}

// dunderTarget finds a dunder name anywhere in an assignment target,
// including inside unpack tuples and lists.
func dunderTarget(target ast.Expr) (string, bool) {
	switch t := target.(type) {
	case *ast.Name:
		if id := string(t.Id); strings.HasPrefix(id, "__") {
			return id, true
		}
	case *ast.Starred:
		return dunderTarget(t.Value)
	case *ast.Tuple:
		for _, elt := range t.Elts {
			if id, found := dunderTarget(elt); found {
				return id, true
			}
		}
	case *ast.List:
		for _, elt := range t.Elts {
			if id, found := dunderTarget(elt); found {
				return id, true
			}
		}
	}
	return "", false
}

// bind records alias taint for one assignment target. Tuple and list targets
// unpack pairwise, so `f, g = exec, eval` taints both names.
func (w *walker) bind(target, value ast.Expr) {
	switch t := target.(type) {
	case *ast.Name:
		id := string(t.Id)
		if resolved := w.resolveValue(value); resolved != "" {
			w.bindings[id] = resolved
		} else {
			delete(w.bindings, id)
		}
	case *ast.Tuple:
		w.bindUnpack(t.Elts, value)
	case *ast.List:
		w.bindUnpack(t.Elts, value)
	}
}

// bindUnpack pairs unpack targets with value elements. When the shapes do not
// line up (a starred target, a value that is not a literal sequence) every
// name target inherits the first tainted element: over-tainting is harmless,
// under-tainting is a policy bypass.
func (w *walker) bindUnpack(targets []ast.Expr, value ast.Expr) {
	var elts []ast.Expr
	switch v := value.(type) {
	case *ast.Tuple:
		elts = v.Elts
	case *ast.List:
		elts = v.Elts
	}

	if elts != nil && len(elts) == len(targets) && !hasStarred(targets) {
		for i := range targets {
			w.bind(targets[i], elts[i])
		}
		return
	}

	taint := ""
	for _, elt := range elts {
		if resolved := w.resolveValue(elt); resolved != "" {
			taint = resolved
			break
		}
	}
	for _, target := range targets {
		if star, ok := target.(*ast.Starred); ok {
			target = star.Value
		}
		name, ok := target.(*ast.Name)
		if !ok {
			continue
		}
		id := string(name.Id)
		if taint != "" {
			w.bindings[id] = taint
		} else {
			delete(w.bindings, id)
		}
	}
}

func hasStarred(exprs []ast.Expr) bool {
	for _, e := range exprs {
		if _, ok := e.(*ast.Starred); ok {
			return true
		}
	}
	return false
}

// resolveValue returns the blocked builtin an expression ultimately refers
// to, or "" if it is clean. Chains of aliases resolve through the table.
func (w *walker) resolveValue(value ast.Expr) string {
	name, ok := value.(*ast.Name)
	if !ok {
		return ""
	}
	id := string(name.Id)
	if w.policies.BuiltinBlocked(id) {
		return id
	}
	if target, ok := w.bindings[id]; ok {
		return target
	}
	return ""
}

// attributePath renders a dotted access chain like os.path.join. Non-name
// bases (calls, subscripts) render as an empty segment, which never matches a
// policy entry.
func attributePath(attr *ast.Attribute) string {
	parts := []string{string(attr.Attr)}
	value := attr.Value
	for {
		switch v := value.(type) {
		case *ast.Attribute:
			parts = append([]string{string(v.Attr)}, parts...)
			value = v.Value
		case *ast.Name:
			return strings.Join(append([]string{string(v.Id)}, parts...), ".")
		default:
			return strings.Join(parts, ".")
		}
	}
}

// stmtDepth measures the maximum statement nesting depth. Only compound
// statements open a new level; expressions do not count.
func stmtDepth(body []ast.Stmt) int {
	deepest := 0
	for _, stmt := range body {
		depth := 1
		switch n := stmt.(type) {
		case *ast.For:
			depth += maxInt(stmtDepth(n.Body), stmtDepth(n.Orelse))
		case *ast.While:
			depth += maxInt(stmtDepth(n.Body), stmtDepth(n.Orelse))
		case *ast.If:
			depth += maxInt(stmtDepth(n.Body), stmtDepth(n.Orelse))
		case *ast.With:
			depth += stmtDepth(n.Body)
		case *ast.Try:
			inner := maxInt(stmtDepth(n.Body), stmtDepth(n.Orelse))
			inner = maxInt(inner, stmtDepth(n.Finalbody))
			for _, h := range n.Handlers {
				inner = maxInt(inner, stmtDepth(h.Body))
			}
			depth += inner
		case *ast.FunctionDef:
			depth += stmtDepth(n.Body)
		case *ast.ClassDef:
			depth += stmtDepth(n.Body)
		}
		if depth > deepest {
			deepest = depth
		}
	}
	return deepest
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
