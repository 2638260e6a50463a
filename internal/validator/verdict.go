package validator

// Category classifies why a submission was rejected. Categories are part of
// the external contract: callers see the category and the offending construct
// name, never the raw source.
type Category string

const (
	CategorySize       Category = "size_limit"
	CategoryLines      Category = "line_limit"
	CategorySyntax     Category = "syntax_error"
	CategoryPattern    Category = "blocked_pattern"
	CategoryImport     Category = "blocked_import"
	CategoryCall       Category = "blocked_call"
	CategoryAttribute  Category = "blocked_attribute"
	CategoryAssignment Category = "blocked_assignment"
	CategoryComplexity Category = "complexity_limit"
)

// Verdict is the outcome of one static validation stage: either accepted, or
// rejected with a category and the offending construct. It is a tagged
// variant; the rejection payload is only meaningful when ok is false.
type Verdict struct {
	ok        bool
	category  Category
	construct string
	reason    string
}

// Accept returns the accepting verdict.
func Accept() Verdict {
	return Verdict{ok: true}
}

// Reject returns a rejecting verdict. construct names the offending module,
// function, or attribute where one exists; reason is a short human-readable
// description safe to return to callers.
func Reject(category Category, construct, reason string) Verdict {
	return Verdict{category: category, construct: construct, reason: reason}
}

// Accepted reports whether the submission passed this stage.
func (v Verdict) Accepted() bool { return v.ok }

// Category returns the rejection category, or "" for an accepted verdict.
func (v Verdict) Category() Category {
	if v.ok {
		return ""
	}
	return v.category
}

// Construct returns the offending construct name, if any.
func (v Verdict) Construct() string { return v.construct }

// Reason returns the bounded, caller-safe rejection message.
func (v Verdict) Reason() string { return v.reason }
