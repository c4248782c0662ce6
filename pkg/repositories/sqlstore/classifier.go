package sqlstore

import (
	"regexp"
	"strings"
)

// StatementType represents the type of SQL statement.
type StatementType int

const (
	StatementTypeDDL     StatementType = iota // CREATE, DROP, ALTER, TRUNCATE
	StatementTypeDML                          // INSERT, UPDATE, DELETE, REPLACE, MERGE, COPY
	StatementTypeDQL                          // SELECT, WITH...SELECT, VALUES
	StatementTypeTCL                          // BEGIN, COMMIT, ROLLBACK, SAVEPOINT
	StatementTypeDCL                          // GRANT, REVOKE
	StatementTypeUtility                      // SHOW, DESCRIBE, EXPLAIN, SET, PRAGMA, ATTACH
	StatementTypeOther
)

// String returns the string representation of the statement type.
func (st StatementType) String() string {
	switch st {
	case StatementTypeDDL:
		return "DDL"
	case StatementTypeDML:
		return "DML"
	case StatementTypeDQL:
		return "DQL"
	case StatementTypeTCL:
		return "TCL"
	case StatementTypeDCL:
		return "DCL"
	case StatementTypeUtility:
		return "UTILITY"
	default:
		return "OTHER"
	}
}

// StatementClassifier decides whether a statement may run against
// read-only storage.
type StatementClassifier struct {
	patterns map[StatementType][]*regexp.Regexp
	// order matters: DCL before DDL so CREATE USER is not DDL.
	order []StatementType
}

// NewStatementClassifier compiles the classification patterns.
func NewStatementClassifier() *StatementClassifier {
	return &StatementClassifier{
		patterns: map[StatementType][]*regexp.Regexp{
			StatementTypeDCL: {
				regexp.MustCompile(`(?i)^GRANT\s+`),
				regexp.MustCompile(`(?i)^REVOKE\s+`),
				regexp.MustCompile(`(?i)^(CREATE|DROP|ALTER)\s+(USER|ROLE)\s+`),
			},
			StatementTypeDDL: {
				regexp.MustCompile(`(?i)^CREATE\s+`),
				regexp.MustCompile(`(?i)^DROP\s+`),
				regexp.MustCompile(`(?i)^ALTER\s+`),
				regexp.MustCompile(`(?i)^TRUNCATE\s+`),
				regexp.MustCompile(`(?i)^COMMENT\s+ON\s+`),
				regexp.MustCompile(`(?i)^RENAME\s+`),
			},
			StatementTypeDML: {
				regexp.MustCompile(`(?i)^INSERT\s+`),
				regexp.MustCompile(`(?i)^UPDATE\s+`),
				regexp.MustCompile(`(?i)^DELETE\s+`),
				regexp.MustCompile(`(?i)^REPLACE\s+`),
				regexp.MustCompile(`(?i)^MERGE\s+`),
				regexp.MustCompile(`(?i)^UPSERT\s+`),
				regexp.MustCompile(`(?i)^COPY\s+`),
			},
			StatementTypeTCL: {
				regexp.MustCompile(`(?i)^BEGIN\b`),
				regexp.MustCompile(`(?i)^START\s+TRANSACTION\b`),
				regexp.MustCompile(`(?i)^COMMIT\b`),
				regexp.MustCompile(`(?i)^ROLLBACK\b`),
				regexp.MustCompile(`(?i)^SAVEPOINT\s+`),
				regexp.MustCompile(`(?i)^RELEASE\s+`),
			},
			StatementTypeUtility: {
				regexp.MustCompile(`(?i)^SHOW\s+`),
				regexp.MustCompile(`(?i)^DESC(RIBE)?\s+`),
				regexp.MustCompile(`(?i)^EXPLAIN\s+`),
				regexp.MustCompile(`(?i)^ANALYZE\b`),
				regexp.MustCompile(`(?i)^SET\s+`),
				regexp.MustCompile(`(?i)^USE\s+`),
				regexp.MustCompile(`(?i)^PRAGMA\s+`),
				regexp.MustCompile(`(?i)^VACUUM\b`),
				regexp.MustCompile(`(?i)^CHECKPOINT\b`),
				regexp.MustCompile(`(?i)^(ATTACH|DETACH|INSTALL|LOAD|EXPORT|IMPORT)\s+`),
			},
			StatementTypeDQL: {
				regexp.MustCompile(`(?i)^SELECT\s`),
				regexp.MustCompile(`(?is)^WITH\s.*\bSELECT\s`),
				regexp.MustCompile(`(?i)^\(\s*SELECT\s`),
				regexp.MustCompile(`(?i)^VALUES\s*\(`),
			},
		},
		order: []StatementType{
			StatementTypeDCL, StatementTypeDDL, StatementTypeDML,
			StatementTypeTCL, StatementTypeUtility, StatementTypeDQL,
		},
	}
}

// writeInCTE catches data-modifying CTEs such as WITH x AS (DELETE ...).
var writeInCTE = regexp.MustCompile(`(?i)\b(INSERT\s+INTO|UPDATE\s+\S+\s+SET|DELETE\s+FROM)\b`)

// Classify returns the type of the first statement in query.
func (c *StatementClassifier) Classify(query string) StatementType {
	q := stripLeadingComments(query)
	for _, st := range c.order {
		for _, re := range c.patterns[st] {
			if re.MatchString(q) {
				return st
			}
		}
	}
	return StatementTypeOther
}

// IsReadOnly reports whether query is a single statement that only reads.
func (c *StatementClassifier) IsReadOnly(query string) bool {
	if c.Classify(query) != StatementTypeDQL {
		return false
	}
	q := stripLeadingComments(query)
	if hasMultipleStatements(q) {
		return false
	}
	if strings.HasPrefix(strings.ToUpper(q), "WITH") && writeInCTE.MatchString(stripStrings(q)) {
		return false
	}
	return true
}

func stripLeadingComments(query string) string {
	q := strings.TrimSpace(query)
	for {
		switch {
		case strings.HasPrefix(q, "--"):
			nl := strings.IndexByte(q, '\n')
			if nl < 0 {
				return ""
			}
			q = strings.TrimSpace(q[nl+1:])
		case strings.HasPrefix(q, "/*"):
			end := strings.Index(q, "*/")
			if end < 0 {
				return ""
			}
			q = strings.TrimSpace(q[end+2:])
		default:
			return q
		}
	}
}

// hasMultipleStatements reports a ";" outside quotes that is followed by
// anything other than whitespace.
func hasMultipleStatements(q string) bool {
	s := stripStrings(q)
	idx := strings.IndexByte(s, ';')
	if idx < 0 {
		return false
	}
	return strings.TrimSpace(strings.TrimRight(s[idx:], "; \t\r\n")) != ""
}

// stripStrings blanks out quoted literals and identifiers.
func stripStrings(q string) string {
	var sb strings.Builder
	sb.Grow(len(q))
	var quote rune
	for _, r := range q {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
			sb.WriteByte(' ')
		case r == '\'' || r == '"':
			quote = r
			sb.WriteByte(' ')
		default:
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
