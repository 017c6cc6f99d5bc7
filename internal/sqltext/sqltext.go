// Package sqltext holds the lexical helpers shared by the danger classifier,
// the permission gate and the executor. None of it is a SQL parser: it works on
// a normalised, literal-masked form of the statement text and is best-effort.
package sqltext

import (
	"regexp"
	"strings"
	"unicode"
)

type Kind string

const (
	KindRead   Kind = "read"
	KindInsert Kind = "insert"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
	KindOther  Kind = "other"
)

// Lexed is statement text after one pass of the lexer.
type Lexed struct {
	// Normalized has comments removed, whitespace outside quoted text collapsed
	// and everything except dollar-quoted strings upper-cased.
	Normalized string
	// Masked is Normalized with every string literal emptied. Parentheses and
	// semicolons inside quoted identifiers are replaced with underscores.
	Masked string
	// Complete is false when a literal, quoted identifier or block comment is
	// still open at the end of the text.
	Complete bool
}

// Lex scans sqlText with PostgreSQL quoting rules, which DuckDB shares. A
// standard '...' literal only escapes by doubling the quote, E'...' also takes
// backslash escapes, $tag$...$tag$ is a dollar-quoted string and block comments
// nest.
func Lex(sqlText string) Lexed {
	runes := []rune(sqlText)
	var norm, masked strings.Builder
	norm.Grow(len(sqlText))
	masked.Grow(len(sqlText))
	out := Lexed{Complete: true}

	pendingSpace := false
	for i := 0; i < len(runes); {
		r := runes[i]
		switch {
		case r == '-' && i+1 < len(runes) && runes[i+1] == '-':
			for i < len(runes) && runes[i] != '\n' {
				i++
			}
			pendingSpace = true
			continue
		case r == '/' && i+1 < len(runes) && runes[i+1] == '*':
			end, ok := blockCommentEnd(runes, i)
			if !ok {
				// Keep the open comment so normalised text still fails to lex.
				if norm.Len() > 0 {
					norm.WriteByte(' ')
					masked.WriteByte(' ')
				}
				norm.WriteString(string(runes[i:]))
				masked.WriteString(string(runes[i:]))
				out.Complete = false
			}
			i = end
			pendingSpace = true
			continue
		case unicode.IsSpace(r):
			pendingSpace = true
			i++
			continue
		}

		if pendingSpace && norm.Len() > 0 {
			norm.WriteByte(' ')
			masked.WriteByte(' ')
		}
		pendingSpace = false

		switch {
		case r == '\'':
			end, ok := quotedEnd(runes, i, r, escapePrefixed(runes, i))
			norm.WriteString(strings.ToUpper(string(runes[i:end])))
			masked.WriteRune('\'')
			if ok {
				masked.WriteRune('\'')
			} else {
				out.Complete = false
			}
			i = end
		case r == '"' || r == '`':
			end, ok := quotedEnd(runes, i, r, false)
			quoted := strings.ToUpper(string(runes[i:end]))
			norm.WriteString(quoted)
			masked.WriteString(identSanitizer.Replace(quoted))
			if !ok {
				out.Complete = false
			}
			i = end
		case r == '$' && dollarTag(runes, i) != "":
			tag := dollarTag(runes, i)
			end, ok := dollarEnd(runes, i, tag)
			norm.WriteString(string(runes[i:end]))
			if ok {
				masked.WriteString("''")
			} else {
				masked.WriteRune('\'')
				out.Complete = false
			}
			i = end
		default:
			upper := unicode.ToUpper(r)
			norm.WriteRune(upper)
			masked.WriteRune(upper)
			i++
		}
	}
	out.Normalized = norm.String()
	out.Masked = masked.String()
	return out
}

var identSanitizer = strings.NewReplacer("(", "_", ")", "_", ";", "_")

// quotedEnd returns the index just past the quote that closes the quoted text
// starting at start, or len(runes) and false when it never closes.
func quotedEnd(runes []rune, start int, quote rune, backslashEscapes bool) (int, bool) {
	for j := start + 1; j < len(runes); j++ {
		switch {
		case backslashEscapes && runes[j] == '\\':
			j++
		case runes[j] == quote && j+1 < len(runes) && runes[j+1] == quote:
			j++
		case runes[j] == quote:
			return j + 1, true
		}
	}
	return len(runes), false
}

// escapePrefixed reports whether the quote at i opens an E'...' literal.
func escapePrefixed(runes []rune, i int) bool {
	if i == 0 || (runes[i-1] != 'E' && runes[i-1] != 'e') {
		return false
	}
	return i == 1 || !identRune(runes[i-2])
}

// dollarTag returns the $tag$ opening a dollar-quoted string at i, or "". A
// dollar sign that continues an identifier or starts a $1 parameter is not a tag.
func dollarTag(runes []rune, i int) string {
	if i > 0 && (identRune(runes[i-1]) || runes[i-1] == '$') {
		return ""
	}
	for j := i + 1; j < len(runes); j++ {
		r := runes[j]
		switch {
		case r == '$':
			return string(runes[i : j+1])
		case r == '_' || unicode.IsLetter(r):
		case unicode.IsDigit(r) && j > i+1:
		default:
			return ""
		}
	}
	return ""
}

// dollarEnd finds the closing copy of tag, compared case-sensitively.
func dollarEnd(runes []rune, start int, tag string) (int, bool) {
	closing := []rune(tag)
	for j := start + len(closing); j+len(closing) <= len(runes); j++ {
		if string(runes[j:j+len(closing)]) == tag {
			return j + len(closing), true
		}
	}
	return len(runes), false
}

func blockCommentEnd(runes []rune, start int) (int, bool) {
	depth := 0
	for j := start; j+1 < len(runes); j++ {
		switch {
		case runes[j] == '/' && runes[j+1] == '*':
			depth++
			j++
		case runes[j] == '*' && runes[j+1] == '/':
			depth--
			j++
			if depth == 0 {
				return j + 1, true
			}
		}
	}
	return len(runes), false
}

func identRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// Normalize strips comments outside quoted text, collapses whitespace outside
// quoted text and upper-cases everything but dollar-quoted strings.
// Normalize(Normalize(s)) == Normalize(s).
func Normalize(sqlText string) string {
	return Lex(sqlText).Normalized
}

// MaskLiterals empties the string literals of already normalised text so
// keywords inside data never look like structure.
func MaskLiterals(normalized string) string {
	return Lex(normalized).Masked
}

// Analyzable is the form every structural check runs against.
func Analyzable(sqlText string) string {
	return Lex(sqlText).Masked
}

// Complete reports whether sqlText closes every literal, quoted identifier and
// block comment it opens. Text that does not cannot be analysed reliably.
func Complete(sqlText string) bool {
	return Lex(sqlText).Complete
}

// SplitStatements splits analysable text on semicolons and drops empty pieces.
func SplitStatements(analyzable string) []string {
	parts := strings.Split(analyzable, ";")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

var (
	leadingWordPattern = regexp.MustCompile(`^[\s(]*([A-Z]+)`)
	dmlVerbPattern     = regexp.MustCompile(`\b(INSERT|UPDATE|DELETE)\b`)
)

// StatementKind classifies one analysable statement by its leading verb. A WITH
// prefix is looked through so CTE-wrapped writes are not mistaken for reads.
func StatementKind(stmt string) Kind {
	match := leadingWordPattern.FindStringSubmatch(stmt)
	if match == nil {
		return KindOther
	}
	switch match[1] {
	case "SELECT", "SHOW", "EXPLAIN", "DESCRIBE", "DESC", "VALUES", "TABLE":
		return KindRead
	case "WITH":
		verb := dmlVerbPattern.FindStringSubmatch(StripParenthesized(stmt))
		if verb == nil {
			return KindRead
		}
		return kindForVerb(verb[1])
	case "INSERT", "REPLACE":
		return KindInsert
	case "UPDATE":
		return KindUpdate
	case "DELETE":
		return KindDelete
	default:
		return KindOther
	}
}

func kindForVerb(verb string) Kind {
	switch verb {
	case "INSERT":
		return KindInsert
	case "UPDATE":
		return KindUpdate
	case "DELETE":
		return KindDelete
	}
	return KindOther
}

// IsReadOnly reports whether every statement in sqlText only reads data.
func IsReadOnly(sqlText string) bool {
	lexed := Lex(sqlText)
	statements := SplitStatements(lexed.Masked)
	if !lexed.Complete || len(statements) == 0 {
		return false
	}
	for _, stmt := range statements {
		if StatementKind(stmt) != KindRead {
			return false
		}
	}
	return true
}

// StripParenthesized drops every parenthesised group, leaving top-level text.
func StripParenthesized(stmt string) string {
	var b strings.Builder
	depth := 0
	for _, r := range stmt {
		switch {
		case r == '(':
			depth++
		case r == ')':
			if depth > 0 {
				depth--
			}
		case depth == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func StripTrailingSemicolons(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}
