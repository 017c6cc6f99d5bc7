package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/clubrecords/sqlassist/internal/identity"
)

var (
	ErrUnknownRole       = errors.New("policy: unknown role")
	ErrSchemaUnavailable = errors.New("policy: schema unavailable")
)

// DangerRules is shown to the model; the danger package enforces the same list.
var DangerRules = []string{
	"DROP DATABASE, DROP TABLE and dropping any other database object",
	"TRUNCATE",
	"ALTER TABLE that drops, renames or modifies columns or tables",
	"CREATE USER, ALTER USER, GRANT and REVOKE",
	"DELETE without a WHERE clause",
	"UPDATE ... SET without a WHERE clause",
}

// Document is the per-turn policy handed to the model. It is rebuilt for every
// turn so a role change can never be served a stale policy.
type Document struct {
	Identity  identity.Identity
	Role      identity.Role
	AllowsSQL bool
	Schema    string
	Grants    RoleGrants
	Text      string
}

// Build renders the policy for id from the static matrix and schema text. An
// unrecognised role yields the no-SQL document together with ErrUnknownRole.
func Build(id identity.Identity, schemaText string) (Document, error) {
	return buildWith(DefaultMatrix(), id, schemaText)
}

func buildWith(matrix Matrix, id identity.Identity, schemaText string) (Document, error) {
	role := id.Role
	var err error
	if !role.Known() {
		err = fmt.Errorf("%w: %q", ErrUnknownRole, string(id.Role))
		role = identity.RoleUnknown
		id.Role = identity.RoleUnknown
	}

	doc := Document{
		Identity:  id,
		Role:      role,
		AllowsSQL: role.Known(),
		Schema:    strings.TrimSpace(schemaText),
		Grants:    matrix.Grants(role),
	}
	doc.Text = renderText(doc)
	return doc, err
}

type SchemaSource interface {
	LoadSchema(ctx context.Context) (string, error)
}

type Builder struct {
	Schema SchemaSource
	Matrix Matrix
}

// Build loads the schema once and renders the document. Schema failures still
// return a usable document (without schema) so the caller can decide.
func (b *Builder) Build(ctx context.Context, id identity.Identity) (Document, error) {
	matrix := b.Matrix
	if matrix == nil {
		matrix = DefaultMatrix()
	}

	var schemaErr error
	schemaText := ""
	if b.Schema != nil {
		text, err := b.Schema.LoadSchema(ctx)
		if err != nil {
			schemaErr = fmt.Errorf("%w: %v", ErrSchemaUnavailable, err)
		} else {
			schemaText = text
		}
	}

	doc, err := buildWith(matrix, id, schemaText)
	return doc, errors.Join(err, schemaErr)
}

func renderText(doc Document) string {
	var b strings.Builder

	b.WriteString("# Database schema\n")
	if doc.Schema == "" {
		b.WriteString("(schema text unavailable; rely on the table list below)\n")
	} else {
		b.WriteString(doc.Schema)
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "\n# Permissions for role %s\n", doc.Role)
	if !doc.AllowsSQL {
		b.WriteString("This session has NO database access. Answer general questions only and never produce executable SQL.\n")
	} else {
		writeGrants(&b, doc.Grants)
	}

	b.WriteString("\n# Dangerous operations\n")
	b.WriteString("The following are never executed for any role:\n")
	for _, rule := range DangerRules {
		fmt.Fprintf(&b, "- %s\n", rule)
	}
	return b.String()
}

func writeGrants(b *strings.Builder, grants RoleGrants) {
	for _, table := range Tables {
		var all, own []string
		for _, op := range Operations {
			switch grants.Scope(table, op) {
			case ScopeAll:
				all = append(all, string(op))
			case ScopeOwn:
				own = append(own, string(op))
			}
		}
		if len(all) == 0 && len(own) == 0 {
			continue
		}
		fmt.Fprintf(b, "- %s:", table)
		if len(all) > 0 {
			fmt.Fprintf(b, " %s (all rows)", strings.Join(all, ", "))
		}
		if len(own) > 0 {
			if len(all) > 0 {
				b.WriteString(";")
			}
			fmt.Fprintf(b, " %s (own rows only: filter on %s = the session archer id)", strings.Join(own, ", "), OwnerColumn)
		}
		b.WriteString("\n")
	}
	if grants.AnyTable {
		b.WriteString("- any other table: read, insert, update, delete (all rows)\n")
	} else {
		b.WriteString("Tables not listed above are not accessible.\n")
	}
	if grants.DDL {
		b.WriteString("- schema and administrative statements are allowed, subject to the dangerous operation list\n")
	} else {
		b.WriteString("Schema changes, stored procedure calls and administrative statements are not allowed.\n")
	}
}
