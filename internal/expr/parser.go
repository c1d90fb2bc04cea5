package expr

// Grammar (precedence low to high):
//
//	or      := and ( "||" and )*
//	and     := cmp ( "&&" cmp )*
//	cmp     := sum ( ( "==" | "!=" | "<" | "<=" | ">" | ">=" ) sum )?
//	sum     := product ( ( "+" | "-" ) product )*
//	product := unary ( ( "*" | "/" ) unary )*
//	unary   := ( "!" | "-" )? primary
//	primary := number | true | false | ident | "(" or ")"
type parser struct {
	src  string
	toks []token
	i    int
}

func (p *parser) peek() token { return p.toks[p.i] }

func (p *parser) next() token {
	t := p.toks[p.i]
	if t.kind != tokEOF {
		p.i++
	}
	return t
}

func (p *parser) eof() bool { return p.peek().kind == tokEOF }

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOr {
		op := p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: op.kind, pos: op.pos, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseCmp()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokAnd {
		op := p.next()
		right, err := p.parseCmp()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: op.kind, pos: op.pos, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseCmp() (node, error) {
	left, err := p.parseSum()
	if err != nil {
		return nil, err
	}
	switch p.peek().kind {
	case tokEq, tokNeq, tokLt, tokLte, tokGt, tokGte:
		op := p.next()
		right, err := p.parseSum()
		if err != nil {
			return nil, err
		}
		return &binaryNode{op: op.kind, pos: op.pos, left: left, right: right}, nil
	}
	return left, nil
}

func (p *parser) parseSum() (node, error) {
	left, err := p.parseProduct()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokPlus || p.peek().kind == tokMinus {
		op := p.next()
		right, err := p.parseProduct()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: op.kind, pos: op.pos, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseProduct() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokStar || p.peek().kind == tokSlash {
		op := p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: op.kind, pos: op.pos, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	switch p.peek().kind {
	case tokNot, tokMinus:
		op := p.next()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unaryNode{op: op.kind, pos: op.pos, operand: operand}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		return &literalNode{val: t.num}, nil
	case tokTrue:
		return &literalNode{val: true}, nil
	case tokFalse:
		return &literalNode{val: false}, nil
	case tokIdent:
		return &identNode{name: t.text, pos: t.pos}, nil
	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek().kind != tokRParen {
			return nil, &ConditionError{Expr: p.src, Pos: p.peek().pos, Reason: "missing closing parenthesis"}
		}
		p.next()
		return inner, nil
	case tokEOF:
		return nil, &ConditionError{Expr: p.src, Pos: t.pos, Reason: "unexpected end of expression"}
	default:
		return nil, &ConditionError{Expr: p.src, Pos: t.pos, Reason: "unexpected token"}
	}
}
