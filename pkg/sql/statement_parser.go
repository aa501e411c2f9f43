// Package sql provides best-effort structural analysis of SQL statement text.
// It parses the statement skeleton (kind plus the tables read and written)
// and tolerates dialect variation and templated mapper fragments; it is not a
// full-fidelity SQL front end.
package sql

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// StatementKind is the coarse classification of a statement.
type StatementKind string

const (
	StatementSelect  StatementKind = "select"
	StatementInsert  StatementKind = "insert"
	StatementUpdate  StatementKind = "update"
	StatementDelete  StatementKind = "delete"
	StatementMerge   StatementKind = "merge"
	StatementUnknown StatementKind = "unknown"
)

// StatementInfo is the parsed skeleton of one statement.
type StatementInfo struct {
	Kind StatementKind
	// Reads and Writes are the referenced table names, lowercased, sorted,
	// deduplicated. Schema qualification is preserved as written.
	Reads  []string
	Writes []string
	// DynamicTables marks that at least one table position was a dynamic
	// fragment (e.g. ${tableName}) whose concrete target is unknown.
	DynamicTables bool
	// DynamicFragments lists the raw ${...} fragment expressions found
	// anywhere in the statement, in order of appearance.
	DynamicFragments []string
}

// dynFragmentPattern matches MyBatis-style string-substitution fragments.
var dynFragmentPattern = regexp.MustCompile(`\$\{([^}]*)\}`)

// bindParamPattern matches MyBatis-style bind parameters.
var bindParamPattern = regexp.MustCompile(`#\{([^}]*)\}`)

// dynMarker replaces ${...} fragments before skeleton parsing so the
// tokenizer sees a single identifier-shaped placeholder.
const dynMarker = "__dynamic__"

// Normalize rewrites templated mapper SQL into parseable text: bind
// parameters become positional markers, string-substitution fragments become
// a dynamic placeholder identifier. The returned fragment list preserves the
// original ${...} expressions for diagnostics.
func Normalize(raw string) (string, []string) {
	var fragments []string
	for _, m := range dynFragmentPattern.FindAllStringSubmatch(raw, -1) {
		fragments = append(fragments, strings.TrimSpace(m[1]))
	}
	normalized := dynFragmentPattern.ReplaceAllString(raw, dynMarker)
	normalized = bindParamPattern.ReplaceAllString(normalized, "?")
	return normalized, fragments
}

// ParseStatement parses one statement's skeleton. It never fails on
// recognizable statements; statements whose leading keyword is unknown
// return StatementUnknown with empty table sets and a nil error. A genuinely
// empty input is an error.
func ParseStatement(raw string) (*StatementInfo, error) {
	normalized, fragments := Normalize(raw)
	stripped := stripComments(normalized)
	tokens := tokenize(stripped)
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty statement")
	}

	info := &StatementInfo{
		Kind:             StatementUnknown,
		DynamicFragments: fragments,
	}

	switch strings.ToLower(tokens[0]) {
	case "select", "with":
		info.Kind = StatementSelect
		info.Reads = tablesAfter(tokens, "from", "join")
	case "insert":
		info.Kind = StatementInsert
		info.Writes = tablesAfter(tokens, "into")
		// INSERT ... SELECT reads the source tables.
		info.Reads = tablesAfter(tokens, "from", "join")
	case "update":
		info.Kind = StatementUpdate
		info.Writes = tablesAfter(tokens, "update")
		info.Reads = tablesAfter(tokens, "from", "join")
	case "delete":
		// Only the top-level FROM names the deletion target; FROM inside a
		// subquery is a read.
		info.Kind = StatementDelete
		info.Writes = tablesAtDepth(tokens, func(d int) bool { return d == 0 }, "from")
		info.Reads = tablesAtDepth(tokens, func(d int) bool { return d > 0 }, "from", "join")
	case "merge":
		info.Kind = StatementMerge
		info.Writes = tablesAfter(tokens, "into")
		info.Reads = tablesAfter(tokens, "using")
	default:
		return info, nil
	}

	info.Reads, info.DynamicTables = finishTables(info.Reads, info.DynamicTables)
	info.Writes, info.DynamicTables = finishTables(info.Writes, info.DynamicTables)
	return info, nil
}

// stripComments removes -- line comments and /* */ block comments.
func stripComments(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inLine, inBlock := false, false
	for i := 0; i < len(s); i++ {
		switch {
		case inLine:
			if s[i] == '\n' {
				inLine = false
				b.WriteByte('\n')
			}
		case inBlock:
			if s[i] == '*' && i+1 < len(s) && s[i+1] == '/' {
				inBlock = false
				i++
			}
		case s[i] == '-' && i+1 < len(s) && s[i+1] == '-':
			inLine = true
		case s[i] == '/' && i+1 < len(s) && s[i+1] == '*':
			inBlock = true
			i++
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// tokenize splits the statement into identifier/keyword/punctuation tokens.
// String literals collapse to a single opaque token so keywords inside
// literals are never misread.
func tokenize(s string) []string {
	var tokens []string
	var current strings.Builder
	inString := false

	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}

	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			if c == '\'' {
				// Doubled quote is an escaped quote, stay in the literal.
				if i+1 < len(s) && s[i+1] == '\'' {
					i++
					continue
				}
				inString = false
				tokens = append(tokens, "'...'")
			}
			continue
		}
		switch {
		case c == '\'':
			flush()
			inString = true
		case c == '(' || c == ')' || c == ',' || c == ';' || c == '=':
			flush()
			tokens = append(tokens, string(c))
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			flush()
		default:
			current.WriteByte(c)
		}
	}
	flush()
	return tokens
}

// identifierPattern accepts plain or schema-qualified identifiers, with
// optional double-quote or bracket quoting already stripped by cleanIdent.
var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_$]*(\.[a-zA-Z_][a-zA-Z0-9_$]*)?$`)

// reservedAfterTable are tokens that terminate a table list position.
var reservedAfterTable = map[string]bool{
	"select": true, "where": true, "on": true, "set": true, "values": true,
	"group": true, "order": true, "having": true, "limit": true, "union": true,
	"left": true, "right": true, "inner": true, "outer": true, "cross": true,
	"full": true, "join": true, "using": true, "as": true, "when": true,
}

// tablesAfter collects identifier tokens that follow any of the given
// keywords at any nesting depth. It follows comma-separated table lists
// after FROM and skips derived tables (a "(" in table position).
func tablesAfter(tokens []string, keywords ...string) []string {
	return tablesAtDepth(tokens, nil, keywords...)
}

// tablesAtDepth is tablesAfter restricted to keyword occurrences whose
// parenthesis nesting depth satisfies match. A nil match accepts every depth.
func tablesAtDepth(tokens []string, match func(depth int) bool, keywords ...string) []string {
	kw := make(map[string]bool, len(keywords))
	for _, k := range keywords {
		kw[k] = true
	}

	depths := tokenDepths(tokens)
	var tables []string
	for i := 0; i < len(tokens); i++ {
		if !kw[strings.ToLower(tokens[i])] {
			continue
		}
		if match != nil && !match(depths[i]) {
			continue
		}
		// DELETE FROM / UPDATE keyword may be prefixed by its own statement
		// keyword; table position is simply the next identifier.
		j := i + 1
		for j < len(tokens) {
			name, ok := tableIdentAt(tokens, j)
			if !ok {
				break
			}
			tables = append(tables, name)
			// Skip an optional alias.
			j++
			if j < len(tokens) && isAlias(tokens[j]) {
				j++
			}
			// A comma continues the table list (FROM a, b).
			if j < len(tokens) && tokens[j] == "," {
				j++
				continue
			}
			break
		}
	}
	return tables
}

// tokenDepths computes each token's parenthesis nesting depth. An opening
// paren sits at the depth it opens from; a closing paren at the depth it
// returns to.
func tokenDepths(tokens []string) []int {
	depths := make([]int, len(tokens))
	depth := 0
	for i, tok := range tokens {
		switch tok {
		case "(":
			depths[i] = depth
			depth++
		case ")":
			if depth > 0 {
				depth--
			}
			depths[i] = depth
		default:
			depths[i] = depth
		}
	}
	return depths
}

func tableIdentAt(tokens []string, i int) (string, bool) {
	if i >= len(tokens) {
		return "", false
	}
	tok := cleanIdent(tokens[i])
	if tok == "(" || reservedAfterTable[strings.ToLower(tok)] {
		return "", false
	}
	if strings.Contains(tok, dynMarker) {
		return dynMarker, true
	}
	if !identifierPattern.MatchString(tok) {
		return "", false
	}
	return strings.ToLower(tok), true
}

func isAlias(tok string) bool {
	tok = strings.ToLower(cleanIdent(tok))
	if reservedAfterTable[tok] && tok != "as" {
		return false
	}
	if tok == "as" {
		return true
	}
	return identifierPattern.MatchString(tok)
}

// cleanIdent strips double-quote and bracket quoting from an identifier.
func cleanIdent(tok string) string {
	tok = strings.Trim(tok, `"`)
	tok = strings.TrimPrefix(tok, "[")
	tok = strings.TrimSuffix(tok, "]")
	return tok
}

// finishTables lowers, dedupes and sorts a table list, pulling dynamic
// placeholders out into the dynamic flag.
func finishTables(tables []string, dynamic bool) ([]string, bool) {
	seen := make(map[string]bool, len(tables))
	var out []string
	for _, t := range tables {
		if t == dynMarker {
			dynamic = true
			continue
		}
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out, dynamic
}
