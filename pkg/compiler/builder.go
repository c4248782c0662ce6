package compiler

import "strconv"

// PlaceholderStyle selects how bound parameters are written.
type PlaceholderStyle int

const (
	// PlaceholderQuestion writes "?" (duckdb, sqlite).
	PlaceholderQuestion PlaceholderStyle = iota
	// PlaceholderDollar writes "$1", "$2", ... (postgres).
	PlaceholderDollar
)

// String returns the style name.
func (s PlaceholderStyle) String() string {
	if s == PlaceholderDollar {
		return "dollar"
	}
	return "question"
}

// argBuilder collects bound parameters while a statement is built.
type argBuilder struct {
	style PlaceholderStyle
	args  []interface{}
}

func newArgBuilder(style PlaceholderStyle) *argBuilder {
	return &argBuilder{style: style, args: make([]interface{}, 0)}
}

// Arg records v and returns its placeholder.
func (b *argBuilder) Arg(v interface{}) string {
	b.args = append(b.args, v)
	if b.style == PlaceholderDollar {
		return "$" + strconv.Itoa(len(b.args))
	}
	return "?"
}

func (b *argBuilder) Args() []interface{} { return b.args }
