package compiler

import (
	"strings"
	"unicode"
)

// reservedWords are identifiers that must be quoted even though they
// contain only word characters.
var reservedWords = map[string]struct{}{
	"all": {}, "and": {}, "as": {}, "asc": {}, "between": {}, "by": {}, "case": {},
	"desc": {}, "distinct": {}, "from": {}, "group": {}, "having": {}, "in": {},
	"is": {}, "join": {}, "like": {}, "limit": {}, "not": {}, "null": {}, "offset": {},
	"on": {}, "or": {}, "order": {}, "select": {}, "table": {}, "to": {}, "union": {},
	"user": {}, "where": {}, "with": {},
}

// QuoteIdentifier double-quotes a table or column name when it contains
// whitespace, any of "-.()", any other non-word character, starts with a
// digit, or is a reserved word. Other names are returned unchanged.
// Embedded double quotes are doubled.
func QuoteIdentifier(name string) string {
	if !needsQuoting(name) {
		return name
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func needsQuoting(name string) bool {
	if name == "" {
		return true
	}
	if _, ok := reservedWords[strings.ToLower(name)]; ok {
		return true
	}
	for i, r := range name {
		if i == 0 && unicode.IsDigit(r) {
			return true
		}
		if r == '_' || (r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r))) {
			continue
		}
		return true
	}
	return false
}
