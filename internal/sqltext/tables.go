package sqltext

import (
	"regexp"
	"strings"
)

const identPattern = "[`\"\\[]?[A-Z_][A-Z0-9_$]*[`\"\\]]?(?:\\.[`\"\\[]?[A-Z_][A-Z0-9_$]*[`\"\\]]?)?"

var (
	joinTablePattern   = regexp.MustCompile(`\bJOIN\s+(` + identPattern + `)`)
	intoTablePattern   = regexp.MustCompile(`\bINTO\s+(` + identPattern + `)`)
	updateTablePattern = regexp.MustCompile(`(?:^|[^A-Z0-9_])((?:KEY|FOR)\s+)?UPDATE\s+(?:LOW_PRIORITY\s+|IGNORE\s+)*(` + identPattern + `)`)
	ddlTablePattern    = regexp.MustCompile(`\bTABLE\s+(?:IF\s+(?:NOT\s+)?EXISTS\s+)?(` + identPattern + `)`)
	fromPattern        = regexp.MustCompile(`\bFROM\s+`)
	leadingIdent       = regexp.MustCompile(`^` + identPattern)
	cteNamePattern     = regexp.MustCompile(`(?:\bWITH\s+(?:RECURSIVE\s+)?|,\s*)(` + identPattern + `)\s*(?:\([^)]*\)\s*)?AS\s*\(`)
)

// fromClauseStop lists keywords that end a FROM item list.
var fromClauseStop = map[string]bool{
	"WHERE": true, "GROUP": true, "ORDER": true, "LIMIT": true, "HAVING": true,
	"UNION": true, "JOIN": true, "INNER": true, "LEFT": true, "RIGHT": true,
	"FULL": true, "CROSS": true, "NATURAL": true, "ON": true, "USING": true,
	"WINDOW": true, "OFFSET": true, "FETCH": true, "FOR": true, "SET": true,
	"RETURNING": true, "EXCEPT": true, "INTERSECT": true,
}

// Tables returns the upper-cased, unqualified table names referenced by one
// analysable statement, in first-seen order, excluding CTE names.
func Tables(stmt string) []string {
	ctes := map[string]bool{}
	for _, match := range cteNamePattern.FindAllStringSubmatch(stmt, -1) {
		ctes[cleanIdent(match[1])] = true
	}

	seen := map[string]bool{}
	out := make([]string, 0, 4)
	add := func(raw string) {
		name := cleanIdent(raw)
		if name == "" || ctes[name] || seen[name] {
			return
		}
		seen[name] = true
		out = append(out, name)
	}

	for _, loc := range fromPattern.FindAllStringIndex(stmt, -1) {
		for _, ref := range fromRefs(stmt[loc[1]:]) {
			add(ref.Name)
		}
	}
	for _, match := range joinTablePattern.FindAllStringSubmatch(stmt, -1) {
		add(match[1])
	}
	for _, match := range intoTablePattern.FindAllStringSubmatch(stmt, -1) {
		add(match[1])
	}
	for _, match := range updateTablePattern.FindAllStringSubmatch(stmt, -1) {
		if strings.TrimSpace(match[1]) != "" {
			continue
		}
		add(match[2])
	}
	for _, match := range ddlTablePattern.FindAllStringSubmatch(stmt, -1) {
		add(match[1])
	}
	return out
}

// TargetTable returns the table a write statement modifies, or "".
func TargetTable(stmt string) string {
	var match []string
	switch StatementKind(stmt) {
	case KindInsert:
		match = intoTablePattern.FindStringSubmatch(stmt)
	case KindUpdate:
		for _, candidate := range updateTablePattern.FindAllStringSubmatch(StripParenthesized(stmt), -1) {
			if strings.TrimSpace(candidate[1]) == "" {
				return cleanIdent(candidate[2])
			}
		}
		return ""
	case KindDelete:
		loc := fromPattern.FindStringIndex(stripLeadingCTEs(stmt))
		if loc == nil {
			return ""
		}
		refs := fromRefs(stripLeadingCTEs(stmt)[loc[1]:])
		if len(refs) == 0 {
			return ""
		}
		return refs[0].Name
	}
	if match == nil {
		return ""
	}
	return cleanIdent(match[1])
}

func stripLeadingCTEs(stmt string) string {
	if !strings.HasPrefix(strings.TrimSpace(stmt), "WITH") {
		return stmt
	}
	return StripParenthesized(stmt)
}

// fromRefs reads the comma-separated FROM item list at the start of rest. A
// parenthesised item is skipped along with its alias.
func fromRefs(rest string) []TableRef {
	refs := make([]TableRef, 0, 2)
	for {
		rest = strings.TrimLeft(rest, " ")
		if rest == "" {
			return refs
		}
		if rest[0] == '(' {
			rest = skipGroup(rest)
		} else {
			ident := leadingIdent.FindString(rest)
			if ident == "" || fromClauseStop[ident] {
				return refs
			}
			rest = rest[len(ident):]
			refs = append(refs, newTableRef(ident, aliasAt(rest)))
		}

		rest = strings.TrimLeft(rest, " ")
		if strings.HasPrefix(rest, "AS ") {
			rest = strings.TrimLeft(rest[3:], " ")
		}
		if alias := leadingIdent.FindString(rest); alias != "" && !fromClauseStop[alias] {
			rest = strings.TrimLeft(rest[len(alias):], " ")
		}
		if !strings.HasPrefix(rest, ",") {
			return refs
		}
		rest = rest[1:]
	}
}

// aliasAt returns the alias that follows a table name, or "".
func aliasAt(rest string) string {
	rest = strings.TrimLeft(rest, " ")
	if strings.HasPrefix(rest, "AS ") {
		rest = strings.TrimLeft(rest[3:], " ")
	}
	alias := leadingIdent.FindString(rest)
	if fromClauseStop[alias] {
		return ""
	}
	return alias
}

// skipGroup drops the balanced parenthesised group rest starts with.
func skipGroup(rest string) string {
	depth := 0
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return rest[i+1:]
			}
		}
	}
	return ""
}

func cleanIdent(raw string) string {
	raw = strings.TrimSpace(raw)
	if idx := strings.LastIndex(raw, "."); idx >= 0 {
		raw = raw[idx+1:]
	}
	return strings.Trim(raw, "`\"[]")
}
