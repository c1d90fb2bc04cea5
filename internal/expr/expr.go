// Package expr evaluates restricted boolean expressions for alert conditions.
//
// The grammar admits only numeric and boolean literals, named variables resolved
// from a fixed context map, arithmetic (+ - * /), comparisons (== != < <= > >=),
// boolean operators (&& || ! and their word forms and/or/not) and parentheses.
// Everything else is rejected with a *ConditionError at Compile time, so a
// malformed rule fails at registration, not in the evaluation loop.
package expr

import "fmt"

// ConditionError reports a malformed or unsafe condition expression.
type ConditionError struct {
	Expr   string
	Pos    int
	Reason string
}

func (e *ConditionError) Error() string {
	return fmt.Sprintf("expr: invalid condition %q at position %d: %s", e.Expr, e.Pos, e.Reason)
}

// Program is a compiled condition, safe to evaluate concurrently.
type Program struct {
	src  string
	root node
	vars []string
}

// Vars lists the variable names the program references, in first-use order.
func (p *Program) Vars() []string { return append([]string(nil), p.vars...) }

// String returns the original source expression.
func (p *Program) String() string { return p.src }

// Compile parses and validates an expression. Variables are not resolved here;
// Eval checks them against the supplied context.
func Compile(src string) (*Program, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{src: src, toks: toks}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.eof() {
		return nil, &ConditionError{Expr: src, Pos: p.peek().pos, Reason: "unexpected trailing input"}
	}
	prog := &Program{src: src, root: root}
	seen := map[string]bool{}
	collectVars(root, seen, &prog.vars)
	return prog, nil
}

// Eval evaluates the program against a variable context. The result must be a
// boolean; numeric results are a type error. Eval never panics.
func (p *Program) Eval(vars map[string]float64) (bool, error) {
	v, err := p.root.eval(p.src, vars)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, &ConditionError{Expr: p.src, Reason: "condition does not evaluate to a boolean"}
	}
	return b, nil
}

func collectVars(n node, seen map[string]bool, out *[]string) {
	switch t := n.(type) {
	case *identNode:
		if !seen[t.name] {
			seen[t.name] = true
			*out = append(*out, t.name)
		}
	case *unaryNode:
		collectVars(t.operand, seen, out)
	case *binaryNode:
		collectVars(t.left, seen, out)
		collectVars(t.right, seen, out)
	}
}
