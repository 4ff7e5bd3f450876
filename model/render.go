package model

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/decls"

	"github.com/shibukawa/modeltest"
)

// tokenType classifies the scanner's output. The scanner is deliberately
// shallow: it only needs to distinguish identifiers, quoting, comments and
// parenthesis depth, not parse full SQL.
type tokenType int

const (
	tokenWord tokenType = iota + 1
	tokenQuotedIdent
	tokenNumber
	tokenString
	tokenDot
	tokenComma
	tokenLParen
	tokenRParen
	tokenExprComment // /*= expr */ placeholder
	tokenComment
	tokenOther
)

type sqlToken struct {
	typ   tokenType
	text  string // raw source slice
	expr  string // expression body for tokenExprComment
	start int
	end   int
}

func isIdentStart(r rune) bool {
	return unicode.IsLetter(r) || r == '_' || r == '$'
}

func isIdentPart(r rune) bool {
	return isIdentStart(r) || unicode.IsDigit(r)
}

// scanSQL tokenizes a query into the shallow token stream the renderer works
// on. Whitespace is dropped; everything else keeps its source offsets so
// replacements splice back into the original text.
func scanSQL(src string, d modeltest.Dialect) []sqlToken {
	var tokens []sqlToken

	runes := []rune(src)
	// rune index -> byte offset, with a sentinel for the end
	offsets := make([]int, len(runes)+1)
	{
		bi := 0
		for i, r := range runes {
			offsets[i] = bi
			bi += len(string(r))
		}

		offsets[len(runes)] = len(src)
	}

	emit := func(typ tokenType, startRune, endRune int, expr string) {
		tokens = append(tokens, sqlToken{
			typ:   typ,
			text:  src[offsets[startRune]:offsets[endRune]],
			expr:  expr,
			start: offsets[startRune],
			end:   offsets[endRune],
		})
	}

	isQuoteRune := func(r rune) bool {
		switch d {
		case modeltest.DialectMySQL:
			return r == '`' || r == '"'
		case modeltest.DialectSQLite:
			return r == '"' || r == '`' || r == '['
		default:
			return r == '"'
		}
	}

	for i := 0; i < len(runes); {
		r := runes[i]

		switch {
		case unicode.IsSpace(r):
			i++
		case r == '\'':
			start := i

			for i++; i < len(runes); i++ {
				if runes[i] == '\'' {
					if i+1 < len(runes) && runes[i+1] == '\'' {
						i++
						continue
					}

					i++

					break
				}
			}

			emit(tokenString, start, i, "")
		case isQuoteRune(r):
			start := i
			closing := r

			if r == '[' {
				closing = ']'
			}

			for i++; i < len(runes); i++ {
				if runes[i] == closing {
					if closing != ']' && i+1 < len(runes) && runes[i+1] == closing {
						i++
						continue
					}

					i++

					break
				}
			}

			emit(tokenQuotedIdent, start, i, "")
		case r == '-' && i+1 < len(runes) && runes[i+1] == '-':
			start := i
			for i < len(runes) && runes[i] != '\n' {
				i++
			}

			emit(tokenComment, start, i, "")
		case r == '/' && i+1 < len(runes) && runes[i+1] == '*':
			start := i
			i += 2

			isExpr := i < len(runes) && runes[i] == '='
			if isExpr {
				i++
			}

			exprStart := i

			for i < len(runes) {
				if runes[i] == '*' && i+1 < len(runes) && runes[i+1] == '/' {
					break
				}

				i++
			}

			exprEnd := i
			if i < len(runes) {
				i += 2
			}

			if isExpr {
				emit(tokenExprComment, start, i, strings.TrimSpace(string(runes[exprStart:exprEnd])))
			} else {
				emit(tokenComment, start, i, "")
			}
		case isIdentStart(r):
			start := i
			for i < len(runes) && isIdentPart(runes[i]) {
				i++
			}

			emit(tokenWord, start, i, "")
		case unicode.IsDigit(r):
			start := i
			for i < len(runes) && (unicode.IsDigit(runes[i]) || runes[i] == '.') {
				i++
			}

			emit(tokenNumber, start, i, "")
		case r == '.':
			emit(tokenDot, i, i+1, "")
			i++
		case r == ',':
			emit(tokenComma, i, i+1, "")
			i++
		case r == '(':
			emit(tokenLParen, i, i+1, "")
			i++
		case r == ')':
			emit(tokenRParen, i, i+1, "")
			i++
		default:
			emit(tokenOther, i, i+1, "")
			i++
		}
	}

	return tokens
}

// replacement is a pending splice into the source text.
type replacement struct {
	start int
	end   int
	text  string
}

func applyReplacements(src string, reps []replacement) string {
	if len(reps) == 0 {
		return src
	}

	sort.Slice(reps, func(i, j int) bool { return reps[i].start < reps[j].start })

	var b strings.Builder

	pos := 0
	for _, rep := range reps {
		b.WriteString(src[pos:rep.start])
		b.WriteString(rep.text)
		pos = rep.end
	}

	b.WriteString(src[pos:])

	return b.String()
}

// RenderQuery renders the model query for one execution: CEL placeholders are
// evaluated against vars, dependency references are swapped for their fixture
// tables, and, when executionTime is set, current-time expressions are
// rewritten to literal casts of it. The time substitution table is built per
// call so concurrent executions never observe each other's overrides.
func (m *SQLModel) RenderQuery(vars map[string]any, tableMapping map[string]string, executionTime string) (string, error) {
	query, err := evalPlaceholders(m.query, vars, m.dialect)
	if err != nil {
		return "", fmt.Errorf("%w: %w", modeltest.ErrRenderFailed, err)
	}

	query = substituteTables(query, tableMapping, m.dialect)

	if executionTime != "" {
		query = rewriteCurrentTime(query, executionTime, m.dialect)
	}

	return query, nil
}

// evalPlaceholders replaces every /*= expr */ comment (plus its adjacent dummy
// literal, when present) with the evaluated expression rendered as a SQL
// literal.
func evalPlaceholders(query string, vars map[string]any, d modeltest.Dialect) (string, error) {
	if !strings.Contains(query, "/*=") {
		return query, nil
	}

	varDecls := make([]*decls.VariableDecl, 0, len(vars))
	for key := range vars {
		varDecls = append(varDecls, decls.NewVariable(key, cel.DynType))
	}

	env, err := cel.NewEnv(
		cel.HomogeneousAggregateLiterals(),
		cel.EagerlyValidateDeclarations(true),
		cel.VariableDecls(varDecls...),
	)
	if err != nil {
		return "", err
	}

	activation := make(map[string]any, len(vars))
	for key, val := range vars {
		activation[key] = val
	}

	tokens := scanSQL(query, d)

	var reps []replacement

	for i, tok := range tokens {
		if tok.typ != tokenExprComment {
			continue
		}

		ast, iss := env.Compile(tok.expr)
		if iss != nil && iss.Err() != nil {
			return "", fmt.Errorf("invalid placeholder %q: %w", tok.expr, iss.Err())
		}

		prg, err := env.Program(ast)
		if err != nil {
			return "", err
		}

		out, _, err := prg.Eval(activation)
		if err != nil {
			return "", fmt.Errorf("%w: %q: %w", modeltest.ErrUnknownVariable, tok.expr, err)
		}

		end := tok.end

		// A dummy literal glued to the comment is part of the placeholder
		if i+1 < len(tokens) && tokens[i+1].start == tok.end {
			switch tokens[i+1].typ {
			case tokenWord, tokenNumber, tokenString, tokenQuotedIdent:
				end = tokens[i+1].end
			}
		}

		reps = append(reps, replacement{start: tok.start, end: end, text: renderLiteral(out.Value())})
	}

	return applyReplacements(query, reps), nil
}

// renderLiteral turns an evaluated placeholder value into SQL literal text.
func renderLiteral(v any) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case string:
		return "'" + strings.ReplaceAll(val, "'", "''") + "'"
	case bool:
		if val {
			return "TRUE"
		}

		return "FALSE"
	case time.Time:
		return "'" + val.UTC().Format("2006-01-02 15:04:05") + "'"
	case []any:
		parts := make([]string, len(val))
		for i, item := range val {
			parts[i] = renderLiteral(item)
		}

		return strings.Join(parts, ", ")
	default:
		return fmt.Sprintf("%v", val)
	}
}

// substituteTables replaces qualified identifier chains that match a mapping
// key with the mapped fixture table. Matching happens on the normalized form
// of the chain so quoting and case differences do not matter.
func substituteTables(query string, mapping map[string]string, d modeltest.Dialect) string {
	if len(mapping) == 0 {
		return query
	}

	tokens := scanSQL(query, d)

	var reps []replacement

	for i := 0; i < len(tokens); {
		if tokens[i].typ != tokenWord && tokens[i].typ != tokenQuotedIdent {
			i++
			continue
		}

		// An identifier right after AS is an alias, never a table reference
		if i > 0 && tokens[i-1].typ == tokenWord && strings.EqualFold(tokens[i-1].text, "AS") {
			i++
			continue
		}

		// Collect the maximal ident(.ident)* chain
		end := i
		for end+2 < len(tokens) && tokens[end+1].typ == tokenDot &&
			(tokens[end+2].typ == tokenWord || tokens[end+2].typ == tokenQuotedIdent) {
			end += 2
		}

		chain := query[tokens[i].start:tokens[end].end]
		normalized := modeltest.NormalizeModelName(chain, "", d)

		if fixture, ok := mapping[normalized]; ok {
			reps = append(reps, replacement{start: tokens[i].start, end: tokens[end].end, text: fixture})
		}

		i = end + 1
	}

	return applyReplacements(query, reps)
}

// rewriteCurrentTime builds the execution-scoped substitution table for
// current-time expressions and applies it. The table lives on this call's
// stack only; nothing global changes.
func rewriteCurrentTime(query, executionTime string, d modeltest.Dialect) string {
	castTypes := map[string]string{
		"CURRENT_TIMESTAMP": "TIMESTAMP",
		"CURRENT_DATETIME":  "DATETIME",
		"CURRENT_DATE":      "DATE",
		"CURRENT_TIME":      "TIME",
		"NOW":               "TIMESTAMP",
	}

	tokens := scanSQL(query, d)

	var reps []replacement

	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		if tok.typ != tokenWord {
			continue
		}

		castType, ok := castTypes[strings.ToUpper(tok.text)]
		if !ok {
			continue
		}

		end := tok.end

		// Consume a trailing empty argument list: NOW(), CURRENT_TIMESTAMP()
		if i+2 < len(tokens) && tokens[i+1].typ == tokenLParen && tokens[i+2].typ == tokenRParen {
			end = tokens[i+2].end
			i += 2
		} else if strings.ToUpper(tok.text) == "NOW" {
			// Bare NOW is an ordinary identifier, not the time function
			continue
		}

		lit := "'" + strings.ReplaceAll(executionTime, "'", "''") + "'"
		reps = append(reps, replacement{start: tok.start, end: end, text: "CAST(" + lit + " AS " + castType + ")"})
	}

	return applyReplacements(query, reps)
}

// CTE is one named sub-expression of a declarative model's query.
type CTE struct {
	Name string
	Body string
}

// SplitCTEs splits a query's leading WITH clause into its named
// sub-expressions and the trailing main query. Queries without a WITH clause
// return no CTEs and the input unchanged.
func SplitCTEs(query string, d modeltest.Dialect) ([]CTE, string) {
	tokens := scanSQL(query, d)
	if len(tokens) == 0 || tokens[0].typ != tokenWord || !strings.EqualFold(tokens[0].text, "WITH") {
		return nil, query
	}

	var ctes []CTE

	i := 1

	if i < len(tokens) && tokens[i].typ == tokenWord && strings.EqualFold(tokens[i].text, "RECURSIVE") {
		i++
	}

	for i < len(tokens) {
		if tokens[i].typ != tokenWord && tokens[i].typ != tokenQuotedIdent {
			break
		}

		name := tokens[i].text
		i++

		// Optional column list between the name and AS
		if i < len(tokens) && tokens[i].typ == tokenLParen {
			depth := 1

			for i++; i < len(tokens) && depth > 0; i++ {
				switch tokens[i].typ {
				case tokenLParen:
					depth++
				case tokenRParen:
					depth--
				}
			}
		}

		if i >= len(tokens) || tokens[i].typ != tokenWord || !strings.EqualFold(tokens[i].text, "AS") {
			break
		}

		i++

		if i >= len(tokens) || tokens[i].typ != tokenLParen {
			break
		}

		bodyStart := tokens[i].end
		depth := 1
		bodyEnd := bodyStart

		for i++; i < len(tokens) && depth > 0; i++ {
			switch tokens[i].typ {
			case tokenLParen:
				depth++
			case tokenRParen:
				depth--

				if depth == 0 {
					bodyEnd = tokens[i].start
				}
			}
		}

		ctes = append(ctes, CTE{Name: name, Body: strings.TrimSpace(query[bodyStart:bodyEnd])})

		if i < len(tokens) && tokens[i].typ == tokenComma {
			i++
			continue
		}

		return ctes, strings.TrimSpace(query[tokens[i-1].end:])
	}

	return nil, query
}

// ComposeCTEs prepends the given sub-expressions to a query body as a WITH
// clause, in order.
func ComposeCTEs(prior []CTE, body string) string {
	if len(prior) == 0 {
		return body
	}

	parts := make([]string, len(prior))
	for i, cte := range prior {
		parts[i] = cte.Name + " AS (" + cte.Body + ")"
	}

	return "WITH " + strings.Join(parts, ", ") + " " + body
}

// HasTopLevelOrderBy reports whether the query carries an ORDER BY outside of
// any parenthesized sub-expression, i.e. declares its own output ordering.
func HasTopLevelOrderBy(query string, d modeltest.Dialect) bool {
	tokens := scanSQL(query, d)
	depth := 0

	for i, tok := range tokens {
		switch tok.typ {
		case tokenLParen:
			depth++
		case tokenRParen:
			depth--
		case tokenWord:
			if depth == 0 && strings.EqualFold(tok.text, "ORDER") &&
				i+1 < len(tokens) && tokens[i+1].typ == tokenWord && strings.EqualFold(tokens[i+1].text, "BY") {
				return true
			}
		}
	}

	return false
}

// NamedSelects extracts the output column names of a SELECT query. It returns
// nil when any select item's name cannot be determined statically (star
// expansion, unaliased expressions); callers fall back to other column
// sources in that case.
func NamedSelects(query string, d modeltest.Dialect) []string {
	tokens := scanSQL(query, d)

	start := -1

	for i, tok := range tokens {
		if tok.typ == tokenWord && strings.EqualFold(tok.text, "SELECT") {
			start = i + 1
			break
		}

		// Only comments may precede the SELECT keyword of a plain query
		if tok.typ != tokenComment {
			return nil
		}
	}

	if start < 0 {
		return nil
	}

	if start < len(tokens) && tokens[start].typ == tokenWord &&
		(strings.EqualFold(tokens[start].text, "DISTINCT") || strings.EqualFold(tokens[start].text, "ALL")) {
		start++
	}

	// Split select items on top-level commas, stopping at top-level FROM
	var items [][]sqlToken

	depth := 0
	item := []sqlToken{}

	for i := start; i < len(tokens); i++ {
		tok := tokens[i]

		if depth == 0 && tok.typ == tokenWord && strings.EqualFold(tok.text, "FROM") {
			break
		}

		switch tok.typ {
		case tokenLParen:
			depth++
		case tokenRParen:
			depth--
		case tokenComma:
			if depth == 0 {
				items = append(items, item)
				item = []sqlToken{}

				continue
			}
		}

		item = append(item, tok)
	}

	items = append(items, item)

	names := make([]string, 0, len(items))

	for _, toks := range items {
		name, ok := selectItemName(toks, d)
		if !ok {
			return nil
		}

		names = append(names, name)
	}

	return names
}

func selectItemName(toks []sqlToken, d modeltest.Dialect) (string, bool) {
	if len(toks) == 0 {
		return "", false
	}

	// Trailing "AS alias" or implicit "expr alias" where alias is the last
	// identifier preceded by the AS keyword
	last := toks[len(toks)-1]
	if last.typ == tokenWord || last.typ == tokenQuotedIdent {
		if len(toks) >= 2 {
			prev := toks[len(toks)-2]
			if prev.typ == tokenWord && strings.EqualFold(prev.text, "AS") {
				return modeltest.NormalizeColumnName(last.text, d), true
			}
		}
	}

	// A pure identifier chain names itself by its final component
	for i, tok := range toks {
		if i%2 == 0 {
			if tok.typ != tokenWord && tok.typ != tokenQuotedIdent {
				return "", false
			}
		} else if tok.typ != tokenDot {
			return "", false
		}
	}

	if len(toks)%2 == 0 {
		return "", false
	}

	return modeltest.NormalizeColumnName(last.text, d), true
}
