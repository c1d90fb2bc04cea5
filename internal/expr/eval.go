package expr

// node is one vertex of the compiled expression tree. eval returns either a
// float64 or a bool; mixing them across an operator is a type error.
type node interface {
	eval(src string, vars map[string]float64) (any, error)
}

type literalNode struct {
	val any // float64 or bool
}

func (n *literalNode) eval(string, map[string]float64) (any, error) { return n.val, nil }

type identNode struct {
	name string
	pos  int
}

func (n *identNode) eval(src string, vars map[string]float64) (any, error) {
	v, ok := vars[n.name]
	if !ok {
		return nil, &ConditionError{Expr: src, Pos: n.pos, Reason: "unknown variable " + n.name}
	}
	return v, nil
}

type unaryNode struct {
	op      tokenKind
	pos     int
	operand node
}

func (n *unaryNode) eval(src string, vars map[string]float64) (any, error) {
	v, err := n.operand.eval(src, vars)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case tokNot:
		b, ok := v.(bool)
		if !ok {
			return nil, &ConditionError{Expr: src, Pos: n.pos, Reason: "! requires a boolean operand"}
		}
		return !b, nil
	case tokMinus:
		f, ok := v.(float64)
		if !ok {
			return nil, &ConditionError{Expr: src, Pos: n.pos, Reason: "unary - requires a numeric operand"}
		}
		return -f, nil
	}
	return nil, &ConditionError{Expr: src, Pos: n.pos, Reason: "unsupported unary operator"}
}

type binaryNode struct {
	op          tokenKind
	pos         int
	left, right node
}

func (n *binaryNode) eval(src string, vars map[string]float64) (any, error) {
	lv, err := n.left.eval(src, vars)
	if err != nil {
		return nil, err
	}
	rv, err := n.right.eval(src, vars)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case tokAnd, tokOr:
		lb, lok := lv.(bool)
		rb, rok := rv.(bool)
		if !lok || !rok {
			return nil, &ConditionError{Expr: src, Pos: n.pos, Reason: "boolean operator requires boolean operands"}
		}
		if n.op == tokAnd {
			return lb && rb, nil
		}
		return lb || rb, nil

	case tokEq, tokNeq:
		// Equality works on matching types only.
		if lb, ok := lv.(bool); ok {
			rb, ok := rv.(bool)
			if !ok {
				return nil, &ConditionError{Expr: src, Pos: n.pos, Reason: "cannot compare boolean with number"}
			}
			if n.op == tokEq {
				return lb == rb, nil
			}
			return lb != rb, nil
		}
		lf, lok := lv.(float64)
		rf, rok := rv.(float64)
		if !lok || !rok {
			return nil, &ConditionError{Expr: src, Pos: n.pos, Reason: "cannot compare boolean with number"}
		}
		if n.op == tokEq {
			return lf == rf, nil
		}
		return lf != rf, nil
	}

	// Remaining operators are numeric.
	lf, lok := lv.(float64)
	rf, rok := rv.(float64)
	if !lok || !rok {
		return nil, &ConditionError{Expr: src, Pos: n.pos, Reason: "operator requires numeric operands"}
	}
	switch n.op {
	case tokLt:
		return lf < rf, nil
	case tokLte:
		return lf <= rf, nil
	case tokGt:
		return lf > rf, nil
	case tokGte:
		return lf >= rf, nil
	case tokPlus:
		return lf + rf, nil
	case tokMinus:
		return lf - rf, nil
	case tokStar:
		return lf * rf, nil
	case tokSlash:
		if rf == 0 {
			return nil, &ConditionError{Expr: src, Pos: n.pos, Reason: "division by zero"}
		}
		return lf / rf, nil
	}
	return nil, &ConditionError{Expr: src, Pos: n.pos, Reason: "unsupported operator"}
}
