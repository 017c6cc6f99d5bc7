package policy

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/clubrecords/sqlassist/internal/sqltext"
)

// Decision is the outcome of checking generated SQL against a Document.
type Decision struct {
	Allowed   bool
	Reason    string
	Table     string
	Operation Operation
}

func allow() Decision {
	return Decision{Allowed: true}
}

func deny(table string, op Operation, format string, args ...any) Decision {
	return Decision{Table: table, Operation: op, Reason: fmt.Sprintf(format, args...)}
}

const ownerColumnPattern = "(?:[`\"\\[]?[A-Z_][A-Z0-9_$]*[`\"\\]]?\\.)?[`\"\\[]?ARCHERID[`\"\\]]?"

// qualifiedOwnerColumn captures the qualifier of an owner column reference.
const qualifiedOwnerColumn = "(?:([`\"\\[]?[A-Z_][A-Z0-9_$]*[`\"\\]]?)\\.)?[`\"\\[]?ARCHERID[`\"\\]]?"

var (
	ownerTermPattern     = regexp.MustCompile(`^` + qualifiedOwnerColumn + `\s*=\s*(\d+)$`)
	ownerTermReversed    = regexp.MustCompile(`^(\d+)\s*=\s*` + qualifiedOwnerColumn + `$`)
	ownerLiteralPattern  = regexp.MustCompile(ownerColumnPattern + "\\s*=\\s*(\\d+)\\b|\\b(\\d+)\\s*=\\s*" + ownerColumnPattern)
	broadeningPattern    = regexp.MustCompile(`\b(OR|UNION|EXCEPT|INTERSECT)\b|\|\|`)
	insertColumnsPattern = regexp.MustCompile(`\bINTO\s+\S+\s*\(([^)]*)\)\s*VALUES\s*(.*)$`)
	numericPattern       = regexp.MustCompile(`^\d+$`)
)

// Authorize checks every statement in sqlText against doc. It is a lexical
// check over normalised text: it denies what it cannot prove is permitted.
func Authorize(doc Document, sqlText string) Decision {
	if !doc.AllowsSQL {
		return deny("", "", "role %s has no database access", doc.Role)
	}
	lexed := sqltext.Lex(sqlText)
	if !lexed.Complete {
		return deny("", "", "statement leaves a quote or comment open and cannot be checked")
	}
	statements := sqltext.SplitStatements(lexed.Masked)
	if len(statements) == 0 {
		return deny("", "", "no SQL statement to authorize")
	}
	for _, stmt := range statements {
		if decision := authorizeStatement(doc, stmt); !decision.Allowed {
			return decision
		}
	}
	return allow()
}

func authorizeStatement(doc Document, stmt string) Decision {
	kind := sqltext.StatementKind(stmt)
	if kind == sqltext.KindOther {
		if doc.Grants.Scope("", OpDDL) == ScopeNone {
			return deny("", OpDDL, "role %s may not run schema or administrative statements", doc.Role)
		}
		return allow()
	}

	writeOp := operationForKind(kind)
	target := ""
	if writeOp != OpRead {
		target = sqltext.TargetTable(stmt)
		if target == "" {
			return deny("", writeOp, "could not determine the table modified by the statement")
		}
	}

	tables := sqltext.Tables(stmt)
	if target != "" && !containsTable(tables, target) {
		tables = append(tables, target)
	}
	for _, table := range tables {
		op := OpRead
		if table == target {
			op = writeOp
		}
		name := displayTable(table)
		switch doc.Grants.Scope(table, op) {
		case ScopeAll:
			continue
		case ScopeOwn:
			if decision := checkOwnership(doc, stmt, name, op); !decision.Allowed {
				return decision
			}
		default:
			if _, known := CanonicalTable(table); !known {
				return deny(name, op, "table %s is not part of the club schema available to role %s", name, doc.Role)
			}
			return deny(name, op, "role %s may not %s %s", doc.Role, op, name)
		}
	}
	return allow()
}

func checkOwnership(doc Document, stmt, table string, op Operation) Decision {
	archerID := doc.Identity.ArcherID
	if archerID <= 0 {
		return deny(table, op, "role %s may only access its own rows in %s but the session has no archer id", doc.Role, table)
	}
	if broadeningPattern.MatchString(stmt) {
		return deny(table, op, "role %s may only access its own rows in %s; OR and set operations are not allowed on own-row queries", doc.Role, table)
	}
	if op == OpInsert {
		if decision := checkInsertOwnership(doc, stmt, table); !decision.Allowed {
			return decision
		}
		return checkOwnedRows(doc, stmt, table, op, false)
	}

	want := strconv.FormatInt(archerID, 10)
	for _, match := range ownerLiteralPattern.FindAllStringSubmatch(stmt, -1) {
		value := match[1]
		if value == "" {
			value = match[2]
		}
		if value != want {
			return deny(table, op, "role %s may only access its own rows in %s (filter on %s = %d)", doc.Role, table, OwnerColumn, archerID)
		}
	}
	return checkOwnedRows(doc, stmt, table, op, true)
}

// checkOwnedRows requires every reference to table, in the outer query and in
// each subquery, to be filtered by its own WHERE clause with a complete
// "ArcherID = <archer>" conjunct aimed at that reference. An INSERT target is
// not a reference, so inserts pass requireRef=false.
func checkOwnedRows(doc Document, stmt, table string, op Operation, requireRef bool) Decision {
	archerID := doc.Identity.ArcherID
	reason := func() Decision {
		return deny(table, op, "role %s may only access its own rows in %s (filter on %s = %d)", doc.Role, table, OwnerColumn, archerID)
	}
	blocks := sqltext.Blocks(stmt)
	if len(blocks) == 0 {
		return deny(table, op, "could not match the parentheses of the statement")
	}

	want := strings.ToUpper(table)
	seen := false
	for _, block := range blocks {
		refs := sqltext.LevelRefs(block)
		owned := 0
		for _, ref := range refs {
			if strings.EqualFold(ref.Name, want) {
				owned++
			}
		}
		if owned == 0 {
			continue
		}
		seen = true
		conjuncts := sqltext.WhereConjuncts(block)
		for _, ref := range refs {
			if !strings.EqualFold(ref.Name, want) {
				continue
			}
			if !hasOwnerConjunct(conjuncts, ref, owned == 1, archerID) {
				return reason()
			}
		}
	}
	if requireRef && !seen {
		return reason()
	}
	return allow()
}

// hasOwnerConjunct reports whether one of the conjuncts pins ref to archerID.
// An unqualified column only counts when ref is the sole reference to its
// table at that level.
func hasOwnerConjunct(conjuncts []string, ref sqltext.TableRef, sole bool, archerID int64) bool {
	want := strconv.FormatInt(archerID, 10)
	for _, term := range conjuncts {
		var qualifier, value string
		if match := ownerTermPattern.FindStringSubmatch(term); match != nil {
			qualifier, value = match[1], match[2]
		} else if match := ownerTermReversed.FindStringSubmatch(term); match != nil {
			value, qualifier = match[1], match[2]
		} else {
			continue
		}
		if value != want {
			continue
		}
		qualifier = strings.Trim(qualifier, "`\"[]")
		if (qualifier == "" && sole) || strings.EqualFold(qualifier, ref.Alias) {
			return true
		}
	}
	return false
}

func checkInsertOwnership(doc Document, stmt, table string) Decision {
	reason := fmt.Sprintf("role %s may only insert rows into %s with %s = %d", doc.Role, table, OwnerColumn, doc.Identity.ArcherID)
	match := insertColumnsPattern.FindStringSubmatch(stmt)
	if match == nil {
		return Decision{Table: table, Operation: OpInsert, Reason: reason}
	}

	columns := splitTopLevel(match[1], ',')
	ownerIndex := -1
	for i, column := range columns {
		if strings.EqualFold(strings.Trim(strings.TrimSpace(column), "`\"[]"), OwnerColumn) {
			ownerIndex = i
			break
		}
	}
	if ownerIndex < 0 {
		return Decision{Table: table, Operation: OpInsert, Reason: reason}
	}

	tuples := valueTuples(match[2])
	if len(tuples) == 0 {
		return Decision{Table: table, Operation: OpInsert, Reason: reason}
	}
	want := strconv.FormatInt(doc.Identity.ArcherID, 10)
	for _, tuple := range tuples {
		values := splitTopLevel(tuple, ',')
		if len(values) != len(columns) {
			return Decision{Table: table, Operation: OpInsert, Reason: reason}
		}
		value := strings.TrimSpace(values[ownerIndex])
		if !numericPattern.MatchString(value) || value != want {
			return Decision{Table: table, Operation: OpInsert, Reason: reason}
		}
	}
	return allow()
}

// valueTuples returns the inside of each top-level parenthesised tuple and
// nothing when anything other than tuples and commas appears.
func valueTuples(valuesClause string) []string {
	var tuples []string
	depth := 0
	start := 0
	for i, r := range valuesClause {
		switch {
		case r == '(':
			if depth == 0 {
				start = i + 1
			}
			depth++
		case r == ')':
			depth--
			if depth < 0 {
				return nil
			}
			if depth == 0 {
				tuples = append(tuples, valuesClause[start:i])
			}
		case depth == 0 && r != ',' && r != ' ':
			return nil
		}
	}
	if depth != 0 {
		return nil
	}
	return tuples
}

func splitTopLevel(text string, sep rune) []string {
	var parts []string
	depth := 0
	start := 0
	for i, r := range text {
		switch {
		case r == '(':
			depth++
		case r == ')':
			depth--
		case r == sep && depth == 0:
			parts = append(parts, text[start:i])
			start = i + 1
		}
	}
	return append(parts, text[start:])
}

func operationForKind(kind sqltext.Kind) Operation {
	switch kind {
	case sqltext.KindInsert:
		return OpInsert
	case sqltext.KindUpdate:
		return OpUpdate
	case sqltext.KindDelete:
		return OpDelete
	default:
		return OpRead
	}
}

func containsTable(tables []string, table string) bool {
	for _, candidate := range tables {
		if candidate == table {
			return true
		}
	}
	return false
}

func displayTable(table string) string {
	if canonical, ok := CanonicalTable(table); ok {
		return canonical
	}
	return table
}
