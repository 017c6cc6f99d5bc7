// Package danger flags destructive or unscoped SQL without consulting the
// model. It is a heuristic second line of defense over normalised text, not a
// SQL parser, so it will miss dialect tricks it has no rule for.
package danger

import (
	"regexp"

	"github.com/clubrecords/sqlassist/internal/sqltext"
)

type Rule string

const (
	RuleNone               Rule = ""
	RuleDropObject         Rule = "drop_object"
	RuleTruncate           Rule = "truncate"
	RuleDestructiveAlter   Rule = "destructive_alter"
	RuleUserManagement     Rule = "user_management"
	RulePrivilegeChange    Rule = "privilege_change"
	RuleDeleteWithoutWhere Rule = "delete_without_where"
	RuleUpdateWithoutWhere Rule = "update_without_where"
	RuleUnterminatedText   Rule = "unterminated_text"
)

type Verdict struct {
	Dangerous bool
	Rule      Rule
	Reason    string
}

type structuralRule struct {
	rule    Rule
	pattern *regexp.Regexp
	reason  string
}

// Structural rules run first and over the whole batch so a DROP can never be
// reinterpreted by the WHERE-clause heuristics below.
var structuralRules = []structuralRule{
	{RuleDropObject, regexp.MustCompile(`\bDROP\s+(?:TEMPORARY\s+)?(DATABASE|SCHEMA|TABLE|VIEW|INDEX|USER|ROLE|PROCEDURE|FUNCTION|TRIGGER|EVENT)\b`), "drops a database object"},
	{RuleTruncate, regexp.MustCompile(`\bTRUNCATE\b`), "truncates a table"},
	{RuleDestructiveAlter, regexp.MustCompile(`\bALTER\s+TABLE\s+\S+\s+[^;]*\b(DROP|RENAME|MODIFY|CHANGE)\b`), "alters a table destructively"},
	{RuleUserManagement, regexp.MustCompile(`\b(CREATE|ALTER|RENAME)\s+(USER|ROLE)\b`), "manages database accounts"},
	{RulePrivilegeChange, regexp.MustCompile(`\b(GRANT|REVOKE)\b`), "changes database privileges"},
}

var (
	deletePattern    = regexp.MustCompile(`\bDELETE\b[^;]*?\bFROM\b`)
	updateSetPattern = regexp.MustCompile(`(?:^|[^A-Z0-9_])UPDATE\s+.+?\bSET\b`)
	wherePattern     = regexp.MustCompile(`\bWHERE\b(.*)$`)
	trivialWhere     = regexp.MustCompile(`^\s*(?:1\s*=\s*1|TRUE|1|'' ?= ?'')\s*(?:(?:ORDER|LIMIT|RETURNING)\b.*)?$`)
)

// Classify is deterministic and independent of anything the model claimed.
func Classify(sqlText string) Verdict {
	lexed := sqltext.Lex(sqlText)
	if !lexed.Complete {
		return Verdict{Dangerous: true, Rule: RuleUnterminatedText, Reason: "leaves a quote or comment open, so its structure cannot be checked"}
	}
	analyzable := lexed.Masked
	for _, rule := range structuralRules {
		if rule.pattern.MatchString(analyzable) {
			return Verdict{Dangerous: true, Rule: rule.rule, Reason: rule.reason}
		}
	}

	for _, stmt := range sqltext.SplitStatements(analyzable) {
		if loc := deletePattern.FindStringIndex(stmt); loc != nil && !hasEffectiveWhere(stmt[loc[1]:]) {
			return Verdict{Dangerous: true, Rule: RuleDeleteWithoutWhere, Reason: "DELETE without a WHERE clause affects every row"}
		}
		if loc := updateSetPattern.FindStringIndex(stmt); loc != nil && !hasEffectiveWhere(stmt[loc[1]:]) {
			return Verdict{Dangerous: true, Rule: RuleUpdateWithoutWhere, Reason: "UPDATE without a WHERE clause affects every row"}
		}
	}
	return Verdict{}
}

// hasEffectiveWhere only looks at top-level text so a WHERE inside a subquery
// does not count as scoping the outer statement.
func hasEffectiveWhere(tail string) bool {
	match := wherePattern.FindStringSubmatch(sqltext.StripParenthesized(tail))
	if match == nil {
		return false
	}
	return !trivialWhere.MatchString(match[1])
}
