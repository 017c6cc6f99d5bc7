package sqltext

import (
	"regexp"
	"strings"
)

// TableRef is one table read or written at a query level, with the name a
// qualified column has to use to reach it.
type TableRef struct {
	Name  string
	Alias string
}

func newTableRef(rawName, rawAlias string) TableRef {
	ref := TableRef{Name: cleanIdent(rawName), Alias: cleanIdent(rawAlias)}
	if ref.Alias == "" {
		ref.Alias = ref.Name
	}
	return ref
}

var (
	subqueryStart   = regexp.MustCompile(`^(SELECT|WITH|VALUES|TABLE)\b`)
	tableCommandRef = regexp.MustCompile(`^TABLE\s+(?:ONLY\s+)?(` + identPattern + `)`)
	updateTargetRef = regexp.MustCompile(`^UPDATE\s+(?:ONLY\s+)?(` + identPattern + `)(?:\s+(?:AS\s+)?(` + identPattern + `))?`)
	joinRefPattern  = regexp.MustCompile(`\bJOIN\s+(` + identPattern + `)(?:\s+(?:AS\s+)?(` + identPattern + `))?`)
	whereKeyword    = regexp.MustCompile(`\bWHERE\b`)
	whereClauseEnd  = regexp.MustCompile(`\b(GROUP|ORDER|LIMIT|HAVING|WINDOW|OFFSET|FETCH|RETURNING|UNION|EXCEPT|INTERSECT|FOR)\b`)
	andKeyword      = regexp.MustCompile(`\bAND\b`)
	betweenKeyword  = regexp.MustCompile(`\bBETWEEN\b`)
	caseKeyword     = regexp.MustCompile(`\bCASE\b`)
)

// Blocks returns stmt followed by every parenthesised subquery inside it, outer
// levels first. It returns nil when the parentheses do not balance.
func Blocks(stmt string) []string {
	if !balanced(stmt) {
		return nil
	}
	blocks := []string{stmt}
	var walk func(text string)
	walk = func(text string) {
		depth, start := 0, 0
		for i := 0; i < len(text); i++ {
			switch text[i] {
			case '(':
				if depth == 0 {
					start = i + 1
				}
				depth++
			case ')':
				depth--
				if depth == 0 {
					inner := strings.TrimSpace(text[start:i])
					if subqueryStart.MatchString(inner) {
						blocks = append(blocks, inner)
					}
					walk(inner)
				}
			}
		}
	}
	walk(stmt)
	return blocks
}

func balanced(stmt string) bool {
	depth := 0
	for i := 0; i < len(stmt); i++ {
		switch stmt[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return false
			}
		}
	}
	return depth == 0
}

// LevelRefs returns the tables one block names in its own FROM, JOIN, UPDATE
// or TABLE clauses. Tables inside nested subqueries belong to those blocks.
func LevelRefs(block string) []TableRef {
	level := topLevel(block)
	var refs []TableRef
	if match := tableCommandRef.FindStringSubmatch(level); match != nil {
		refs = append(refs, newTableRef(match[1], ""))
	}
	if match := updateTargetRef.FindStringSubmatch(level); match != nil {
		refs = append(refs, newTableRef(match[1], stopFree(match[2])))
	}
	for _, loc := range fromPattern.FindAllStringIndex(level, -1) {
		refs = append(refs, fromRefs(level[loc[1]:])...)
	}
	for _, match := range joinRefPattern.FindAllStringSubmatch(level, -1) {
		refs = append(refs, newTableRef(match[1], stopFree(match[2])))
	}
	return refs
}

func stopFree(alias string) string {
	if fromClauseStop[alias] {
		return ""
	}
	return alias
}

// WhereConjuncts splits the block's own WHERE clause into its top-level AND
// terms, with parentheses wrapping a whole term removed. The AND of a BETWEEN
// stays inside its term. It returns nil when there is no WHERE clause or when a
// top-level CASE makes the AND structure ambiguous.
func WhereConjuncts(block string) []string {
	level := topLevel(block)
	loc := whereKeyword.FindStringIndex(level)
	if loc == nil {
		return nil
	}
	start, end := loc[1], len(level)
	if stop := whereClauseEnd.FindStringIndex(level[start:]); stop != nil {
		end = start + stop[0]
	}
	if caseKeyword.MatchString(level[start:end]) {
		return nil
	}

	var terms []string
	segment, absorbed := start, 0
	for _, and := range andKeyword.FindAllStringIndex(level[start:end], -1) {
		at := start + and[0]
		if len(betweenKeyword.FindAllStringIndex(level[segment:at], -1)) > absorbed {
			absorbed++
			continue
		}
		terms = append(terms, unwrap(block[segment:at]))
		segment, absorbed = start+and[1], 0
	}
	return append(terms, unwrap(block[segment:end]))
}

// topLevel blanks out everything inside parentheses, keeping byte offsets.
func topLevel(block string) string {
	out := []byte(block)
	depth := 0
	for i := 0; i < len(out); i++ {
		switch out[i] {
		case '(':
			depth++
			if depth > 1 {
				out[i] = ' '
			}
		case ')':
			depth--
			if depth > 0 {
				out[i] = ' '
			}
		default:
			if depth > 0 {
				out[i] = ' '
			}
		}
	}
	return string(out)
}

func unwrap(term string) string {
	term = strings.TrimSpace(term)
	for strings.HasPrefix(term, "(") && strings.HasSuffix(term, ")") && len(skipGroup(term)) == 0 {
		term = strings.TrimSpace(term[1 : len(term)-1])
	}
	return term
}
