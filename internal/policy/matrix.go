package policy

import (
	"strings"

	"github.com/clubrecords/sqlassist/internal/identity"
)

type Operation string

const (
	OpRead   Operation = "read"
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
	OpDDL    Operation = "ddl"
)

var Operations = []Operation{OpRead, OpInsert, OpUpdate, OpDelete}

type Scope int

const (
	ScopeNone Scope = iota
	// ScopeOwn restricts a grant to rows whose ArcherID is the session's archer.
	ScopeOwn
	ScopeAll
)

const OwnerColumn = "ArcherID"

// Tables is the club schema in catalog order.
var Tables = []string{
	"AgeGroup",
	"EquipmentType",
	"TargetFace",
	"Round",
	"Class",
	"RoundRange",
	"EquivalentRound",
	"Archer",
	"AppUser",
	"Competition",
	"Score",
	"StagedScore",
	"CompetitionScore",
	"End",
	"Arrow",
}

var canonicalTables = func() map[string]string {
	index := make(map[string]string, len(Tables))
	for _, table := range Tables {
		index[strings.ToUpper(table)] = table
	}
	return index
}()

// CanonicalTable maps any casing of a schema table to its catalog name.
func CanonicalTable(name string) (string, bool) {
	table, ok := canonicalTables[strings.ToUpper(strings.TrimSpace(name))]
	return table, ok
}

type TableGrant map[Operation]Scope

type RoleGrants struct {
	Tables map[string]TableGrant
	// AnyTable extends ScopeAll on every operation to tables outside the schema.
	AnyTable bool
	DDL      bool
}

// Scope returns the widest scope the grants allow for op on table.
func (g RoleGrants) Scope(table string, op Operation) Scope {
	if op == OpDDL {
		if g.DDL {
			return ScopeAll
		}
		return ScopeNone
	}
	if g.AnyTable {
		return ScopeAll
	}
	canonical, ok := CanonicalTable(table)
	if !ok {
		return ScopeNone
	}
	return g.Tables[canonical][op]
}

type Matrix map[identity.Role]RoleGrants

// Grants returns an empty grant set for roles the matrix does not list.
func (m Matrix) Grants(role identity.Role) RoleGrants {
	grants, ok := m[role]
	if !ok {
		return RoleGrants{}
	}
	return grants
}

// DefaultMatrix returns a fresh copy of the club's static permission matrix.
func DefaultMatrix() Matrix {
	archer := map[string]TableGrant{
		"Score":            {OpRead: ScopeOwn},
		"End":              {OpRead: ScopeOwn},
		"Arrow":            {OpRead: ScopeOwn},
		"StagedScore":      {OpRead: ScopeOwn, OpInsert: ScopeOwn},
		"Round":            {OpRead: ScopeAll},
		"RoundRange":       {OpRead: ScopeAll},
		"TargetFace":       {OpRead: ScopeAll},
		"EquivalentRound":  {OpRead: ScopeAll},
		"Competition":      {OpRead: ScopeAll},
		"CompetitionScore": {OpRead: ScopeAll},
	}

	recorder := copyTables(archer)
	for _, table := range []string{"Archer", "Round", "RoundRange", "Competition", "CompetitionScore", "End", "Arrow"} {
		recorder[table] = TableGrant{OpRead: ScopeAll, OpInsert: ScopeAll, OpUpdate: ScopeAll}
	}
	recorder["Score"] = TableGrant{OpRead: ScopeAll, OpUpdate: ScopeAll}
	recorder["StagedScore"] = TableGrant{OpRead: ScopeAll, OpInsert: ScopeAll, OpDelete: ScopeAll}

	admin := make(map[string]TableGrant, len(Tables))
	for _, table := range Tables {
		admin[table] = TableGrant{OpRead: ScopeAll, OpInsert: ScopeAll, OpUpdate: ScopeAll, OpDelete: ScopeAll}
	}

	return Matrix{
		identity.RoleArcher:   {Tables: archer},
		identity.RoleRecorder: {Tables: recorder},
		identity.RoleAdmin:    {Tables: admin, AnyTable: true, DDL: true},
	}
}

func copyTables(in map[string]TableGrant) map[string]TableGrant {
	out := make(map[string]TableGrant, len(in))
	for table, grant := range in {
		cloned := make(TableGrant, len(grant))
		for op, scope := range grant {
			cloned[op] = scope
		}
		out[table] = cloned
	}
	return out
}
