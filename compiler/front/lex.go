package front

import (
	"strconv"

	"github.com/cc64lang/cc64/compiler/ast"
)

type (
	tokKind int

	token struct {
		kind tokKind
		pos  ast.Pos

		text string // ident name, punctuator, string body

		imm      uint64 // number
		fp       float64
		isFp     bool
		isFloat  bool // f suffix
		unsigned bool // u suffix
		long     bool // l suffix
	}

	lexer struct {
		file string
		b    []byte
		i    int

		line int
		bol  int // index where the current line starts
	}
)

const (
	tEOF tokKind = iota
	tIdent
	tNum
	tStr
	tPunct
)

// longest match first
var puncts = []string{
	"<<=", ">>=",
	"==", "!=", "<=", ">=", "&&", "||", "<<", ">>", "++", "--", "->",
	"+=", "-=", "*=", "/=", "%=", "&=", "|=", "^=",
	"+", "-", "*", "/", "%", "&", "|", "^", "~", "!", "<", ">", "=",
	"(", ")", "[", "]", "{", "}", ",", ";", ":", "?", ".",
}

func newLexer(file string, src []byte) *lexer {
	return &lexer{file: file, b: src, line: 1}
}

func (l *lexer) pos() ast.Pos {
	return ast.Pos{File: l.file, Line: l.line, Col: l.i - l.bol + 1}
}

func (l *lexer) newline() {
	l.line++
	l.bol = l.i
}

func (l *lexer) skip() {
	for l.i < len(l.b) {
		c := l.b[l.i]

		switch {
		case c == '\n':
			l.i++
			l.newline()
		case c == ' ' || c == '\t' || c == '\r':
			l.i++
		case c == '/' && l.i+1 < len(l.b) && l.b[l.i+1] == '/':
			for l.i < len(l.b) && l.b[l.i] != '\n' {
				l.i++
			}
		case c == '/' && l.i+1 < len(l.b) && l.b[l.i+1] == '*':
			l.i += 2

			for l.i < len(l.b) && !(l.b[l.i] == '*' && l.i+1 < len(l.b) && l.b[l.i+1] == '/') {
				if l.b[l.i] == '\n' {
					l.i++
					l.newline()
				} else {
					l.i++
				}
			}

			l.i += 2
		case c == '#' && l.i == l.bol:
			// no preprocessor; directives are skipped whole
			for l.i < len(l.b) && l.b[l.i] != '\n' {
				l.i++
			}
		default:
			return
		}
	}
}

func isIdentStart(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_'
}

func isIdent(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9'
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func (l *lexer) next() token {
	l.skip()

	pos := l.pos()

	if l.i >= len(l.b) {
		return token{kind: tEOF, pos: pos}
	}

	c := l.b[l.i]

	switch {
	case isIdentStart(c):
		start := l.i
		for l.i < len(l.b) && isIdent(l.b[l.i]) {
			l.i++
		}

		return token{kind: tIdent, pos: pos, text: string(l.b[start:l.i])}
	case isDigit(c) || c == '.' && l.i+1 < len(l.b) && isDigit(l.b[l.i+1]):
		return l.number(pos)
	case c == '\'':
		return l.charLit(pos)
	case c == '"':
		return l.strLit(pos)
	}

	for _, p := range puncts {
		if len(l.b)-l.i >= len(p) && string(l.b[l.i:l.i+len(p)]) == p {
			l.i += len(p)
			return token{kind: tPunct, pos: pos, text: p}
		}
	}

	errf(pos, "unexpected character %q", c)
	panic("unreachable")
}

func (l *lexer) number(pos ast.Pos) token {
	start := l.i
	hex := false

	if l.b[l.i] == '0' && l.i+1 < len(l.b) && (l.b[l.i+1] == 'x' || l.b[l.i+1] == 'X') {
		hex = true
		l.i += 2
	}

	isFp := false

scan:
	for l.i < len(l.b) {
		c := l.b[l.i]

		switch {
		case isDigit(c) || hex && (c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F'):
		case !hex && c == '.':
			isFp = true
		case !hex && (c == 'e' || c == 'E'):
			isFp = true

			if l.i+1 < len(l.b) && (l.b[l.i+1] == '+' || l.b[l.i+1] == '-') {
				l.i++
			}
		default:
			break scan
		}

		l.i++
	}

	text := string(l.b[start:l.i])

	tok := token{kind: tNum, pos: pos, isFp: isFp}

suffix:
	for l.i < len(l.b) {
		switch l.b[l.i] {
		case 'u', 'U':
			tok.unsigned = true
		case 'l', 'L':
			tok.long = true
		case 'f', 'F':
			tok.isFp = true
			tok.isFloat = true
		default:
			break suffix
		}

		l.i++
	}

	if tok.isFp {
		fp, err := strconv.ParseFloat(text, 64)
		if err != nil {
			errf(pos, "bad float constant %v", text)
		}

		tok.fp = fp

		return tok
	}

	imm, err := strconv.ParseUint(text, 0, 64)
	if err != nil {
		errf(pos, "bad integer constant %v", text)
	}

	tok.imm = imm

	return tok
}

func (l *lexer) escape(pos ast.Pos) byte {
	l.i++ // backslash

	if l.i >= len(l.b) {
		errf(pos, "unterminated escape")
	}

	c := l.b[l.i]
	l.i++

	switch c {
	case 'n':
		return '\n'
	case 't':
		return '\t'
	case 'r':
		return '\r'
	case '0':
		return 0
	case '\\', '\'', '"':
		return c
	default:
		errf(pos, "unknown escape \\%c", c)
		panic("unreachable")
	}
}

func (l *lexer) charLit(pos ast.Pos) token {
	l.i++ // opening quote

	if l.i >= len(l.b) {
		errf(pos, "unterminated character constant")
	}

	var c byte
	if l.b[l.i] == '\\' {
		c = l.escape(pos)
	} else {
		c = l.b[l.i]
		l.i++
	}

	if l.i >= len(l.b) || l.b[l.i] != '\'' {
		errf(pos, "unterminated character constant")
	}

	l.i++

	return token{kind: tNum, pos: pos, imm: uint64(c)}
}

func (l *lexer) strLit(pos ast.Pos) token {
	l.i++ // opening quote

	var body []byte

	for l.i < len(l.b) && l.b[l.i] != '"' {
		if l.b[l.i] == '\\' {
			body = append(body, l.escape(pos))
			continue
		}

		if l.b[l.i] == '\n' {
			errf(pos, "unterminated string literal")
		}

		body = append(body, l.b[l.i])
		l.i++
	}

	if l.i >= len(l.b) {
		errf(pos, "unterminated string literal")
	}

	l.i++

	return token{kind: tStr, pos: pos, text: string(body)}
}
