package sandbox

type node interface{ position() int }

type base struct{ pos int }

func (b base) position() int { return b.pos }

// Expressions.

type (
	numLit struct {
		base
		v float64
	}

	strLit struct {
		base
		v string
	}

	boolLit struct {
		base
		v bool
	}

	nullLit struct{ base }
	thisLit struct{ base }

	ident struct {
		base
		name string
	}

	templateLit struct {
		base
		quasis []string
		exprs  []node
	}

	spreadExpr struct {
		base
		x node
	}

	arrayLit struct {
		base
		elems []node // nil entries are holes
	}

	property struct {
		key      string
		computed node // non-nil for [expr] keys
		value    node
		spread   bool
	}

	objectLit struct {
		base
		props []property
	}

	param struct {
		name string
		def  node
		rest bool
	}

	funcLit struct {
		base
		name     string
		params   []param
		body     []node // statements
		exprBody node   // concise arrow body
		arrow    bool
	}

	unaryExpr struct {
		base
		op string
		x  node
	}

	updateExpr struct {
		base
		op     string
		prefix bool
		target node
	}

	binaryExpr struct {
		base
		op   string
		l, r node
	}

	logicalExpr struct {
		base
		op   string
		l, r node
	}

	condExpr struct {
		base
		test, cons, alt node
	}

	assignExpr struct {
		base
		op     string
		target node
		value  node
	}

	seqExpr struct {
		base
		list []node
	}

	callExpr struct {
		base
		callee   node
		args     []node
		optional bool
	}

	memberExpr struct {
		base
		obj      node
		name     string
		computed node
		optional bool
	}
)

// Statements.

type (
	declarator struct {
		name string
		init node
	}

	varDecl struct {
		base
		decls []declarator
	}

	exprStmt struct {
		base
		x node
	}

	returnStmt struct {
		base
		x node
	}

	ifStmt struct {
		base
		test      node
		cons, alt node
	}

	whileStmt struct {
		base
		test node
		body node
		do   bool
	}

	forStmt struct {
		base
		init   node
		test   node
		update node
		body   node
	}

	forInStmt struct {
		base
		name string
		obj  node
		of   bool
		body node
	}

	blockStmt struct {
		base
		list []node
	}

	funcDecl struct {
		base
		fn *funcLit
	}

	tryStmt struct {
		base
		block    *blockStmt
		param    string
		handler  *blockStmt
		finalize *blockStmt
	}

	throwStmt struct {
		base
		x node
	}

	breakStmt    struct{ base }
	continueStmt struct{ base }
	emptyStmt    struct{ base }
)
