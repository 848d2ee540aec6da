package template

import (
	"fmt"
	"strings"
)

// Dialect escapes string values into SQL string literals.
type Dialect interface {
	// Name returns the dialect identifier used in configuration.
	Name() string
	// Quote returns s as a single, safely escaped string literal including the quotes.
	Quote(s string) string
}

// MySQL escapes like the MySQL client library: backslash escapes inside single quotes.
type MySQL struct{}

// Name returns "mysql".
func (MySQL) Name() string { return "mysql" }

// Quote escapes NUL, backspace, tab, newline, carriage return, Ctrl-Z, both quote characters
// and the backslash itself.
func (MySQL) Quote(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('\'')
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case 0:
			b.WriteString(`\0`)
		case '\b':
			b.WriteString(`\b`)
		case '\t':
			b.WriteString(`\t`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case 0x1a:
			b.WriteString(`\Z`)
		case '\'':
			b.WriteString(`\'`)
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		default:
			b.WriteByte(c)
		}
	}
	b.WriteByte('\'')
	return b.String()
}

// ANSI escapes by doubling single quotes, as SQLite and standard SQL expect.
type ANSI struct{}

// Name returns "ansi".
func (ANSI) Name() string { return "ansi" }

// Quote doubles embedded single quotes.
func (ANSI) Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// DialectFor returns the dialect matching a database type from configuration.
func DialectFor(dbType string) (Dialect, error) {
	switch strings.ToLower(dbType) {
	case "mysql", "mariadb":
		return MySQL{}, nil
	case "sqlite", "sqlite3", "ansi":
		return ANSI{}, nil
	}
	return nil, fmt.Errorf("no template dialect for database type '%s'", dbType)
}
