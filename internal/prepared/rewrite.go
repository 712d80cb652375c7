package prepared

import "github.com/jackc/pgx/v5/pgproto3"

// RewriteParse builds the Parse message actually sent to a server for
// entry: the pooler-internal statement name, the interned query text,
// and the fingerprinted parameter types. The client's original Parse is
// never forwarded — installation is deferred past it — so the server-
// bound message is reconstructed from the Canonical Parse Entry alone.
func RewriteParse(entry *Entry) *pgproto3.Parse {
	return &pgproto3.Parse{
		Name:          entry.InternalName,
		Query:         entry.QueryText,
		ParameterOIDs: entry.ParamOIDs,
	}
}

// RewriteBind returns a copy of b with its source statement name
// rewritten to the pooler-internal name. The destination portal name is
// left as the client chose it — portals are never shared across clients,
// so no rewriting is needed there.
func RewriteBind(b *pgproto3.Bind, entry *Entry) *pgproto3.Bind {
	out := *b
	out.PreparedStatement = entry.InternalName
	return &out
}

// RewriteDescribeStatement returns a copy of d with a statement-target
// name rewritten to the pooler-internal name. Describe(Portal) targets
// are left untouched.
func RewriteDescribeStatement(d *pgproto3.Describe, entry *Entry) *pgproto3.Describe {
	out := *d
	if d.ObjectType == 'S' {
		out.Name = entry.InternalName
	}
	return &out
}
