package modeltest

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Dialect represents supported database dialects
// This type is shared across all packages
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
	DialectSQLite   Dialect = "sqlite"
	DialectDuckDB   Dialect = "duckdb"
)

var identCaser = cases.Lower(language.Und)

// QuoteIdentifier quotes a single identifier part for the dialect.
func (d Dialect) QuoteIdentifier(name string) string {
	switch d {
	case DialectMySQL:
		return "`" + strings.ReplaceAll(name, "`", "``") + "`"
	default:
		return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
	}
}

// Placeholder returns the bind placeholder for the given 1-based position.
func (d Dialect) Placeholder(position int) string {
	if d == DialectPostgres {
		return fmt.Sprintf("$%d", position)
	}

	return "?"
}

// quoteRunes returns the identifier quote characters the dialect recognizes.
func (d Dialect) quoteRunes() []rune {
	switch d {
	case DialectMySQL:
		return []rune{'`', '"'}
	case DialectSQLite:
		return []rune{'"', '`', '['}
	default:
		return []rune{'"'}
	}
}

func closingQuote(open rune) rune {
	if open == '[' {
		return ']'
	}

	return open
}

// identPart is one segment of a possibly-qualified identifier.
type identPart struct {
	name   string
	quoted bool
}

// splitQualified splits a dotted identifier path, honoring the dialect's
// quoting characters. It never fails; malformed input yields best-effort parts.
func splitQualified(name string, d Dialect) []identPart {
	var (
		parts   []identPart
		current strings.Builder
		quoted  bool
	)

	quotes := d.quoteRunes()
	runes := []rune(name)

	isQuote := func(r rune) bool {
		for _, q := range quotes {
			if r == q {
				return true
			}
		}

		return false
	}

	for i := 0; i < len(runes); i++ {
		r := runes[i]

		switch {
		case isQuote(r):
			closing := closingQuote(r)
			quoted = true

			for i++; i < len(runes); i++ {
				if runes[i] == closing {
					// Doubled closing quote is an escaped quote character
					if i+1 < len(runes) && runes[i+1] == closing {
						current.WriteRune(closing)
						i++

						continue
					}

					break
				}

				current.WriteRune(runes[i])
			}
		case r == '.':
			parts = append(parts, identPart{name: current.String(), quoted: quoted})
			current.Reset()

			quoted = false
		default:
			current.WriteRune(r)
		}
	}

	parts = append(parts, identPart{name: current.String(), quoted: quoted})

	return parts
}

// needsQuoting reports whether a normalized identifier part cannot be written
// bare. Uppercase letters only survive a bare round trip on mysql, where
// identifiers are not folded.
func needsQuoting(name string, d Dialect) bool {
	if name == "" {
		return true
	}

	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r == '_', r == '$':
		case r >= 'A' && r <= 'Z':
			if d != DialectMySQL {
				return true
			}
		case r >= '0' && r <= '9':
			if i == 0 {
				return true
			}
		default:
			return true
		}
	}

	return false
}

func renderParts(parts []identPart, d Dialect) string {
	rendered := make([]string, len(parts))

	for i, p := range parts {
		if needsQuoting(p.name, d) {
			rendered[i] = d.QuoteIdentifier(p.name)
		} else {
			rendered[i] = p.name
		}
	}

	return strings.Join(rendered, ".")
}

// NormalizeModelName canonicalizes a possibly-qualified model or table name for
// the dialect: unquoted parts are case folded (except on mysql, where table
// identifiers are case sensitive), quoted parts keep their exact spelling, and
// two-part names gain the default catalog when one is provided. Normalization
// is idempotent and never fails; input that cannot be written bare is returned
// in a safely quoted form.
func NormalizeModelName(name string, defaultCatalog string, d Dialect) string {
	parts := splitQualified(name, d)
	for i := range parts {
		if !parts[i].quoted && d != DialectMySQL {
			parts[i].name = identCaser.String(parts[i].name)
		}
	}

	if len(parts) == 2 && defaultCatalog != "" {
		catalog := splitQualified(defaultCatalog, d)
		if len(catalog) == 1 {
			if !catalog[0].quoted && d != DialectMySQL {
				catalog[0].name = identCaser.String(catalog[0].name)
			}

			parts = append(catalog, parts...)
		}
	}

	return renderParts(parts, d)
}

// NormalizeColumnName canonicalizes a single column identifier for the dialect.
func NormalizeColumnName(name string, d Dialect) string {
	parts := splitQualified(name, d)

	last := parts[len(parts)-1]
	if !last.quoted {
		last.name = identCaser.String(last.name)
	}

	return last.name
}

// SplitQualified returns the bare segments of a qualified name, quotes removed.
func SplitQualified(name string, d Dialect) []string {
	parts := splitQualified(name, d)

	names := make([]string, len(parts))
	for i, p := range parts {
		names[i] = p.name
	}

	return names
}

// JoinQualified renders bare name segments back into a dotted identifier,
// quoting any segment that cannot be written bare.
func JoinQualified(parts []string, d Dialect) string {
	ps := make([]identPart, len(parts))
	for i, p := range parts {
		ps[i] = identPart{name: p}
	}

	return renderParts(ps, d)
}

// QuoteQualified renders a qualified name with every part quoted for the dialect.
func QuoteQualified(name string, d Dialect) string {
	parts := splitQualified(name, d)

	rendered := make([]string, len(parts))
	for i, p := range parts {
		rendered[i] = d.QuoteIdentifier(p.name)
	}

	return strings.Join(rendered, ".")
}
