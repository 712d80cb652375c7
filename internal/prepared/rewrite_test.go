package prepared

import (
	"testing"

	"github.com/jackc/pgx/v5/pgproto3"
)

func testEntry() *Entry {
	return &Entry{
		Fingerprint:  Fingerprint(1),
		QueryText:    "select $1::int",
		ParamOIDs:    []uint32{23},
		InternalName: "DOORMAN_1",
	}
}

func TestRewriteParseBuildsServerBoundMessage(t *testing.T) {
	e := testEntry()

	out := RewriteParse(e)

	if out.Name != e.InternalName {
		t.Errorf("expected pooler-internal name %q, got %q", e.InternalName, out.Name)
	}
	if out.Query != e.QueryText {
		t.Errorf("expected interned query %q, got %q", e.QueryText, out.Query)
	}
	if len(out.ParameterOIDs) != 1 || out.ParameterOIDs[0] != 23 {
		t.Errorf("expected fingerprinted parameter types carried over, got %v", out.ParameterOIDs)
	}
}

func TestRewriteBindReplacesSourceStatementOnly(t *testing.T) {
	e := testEntry()
	b := &pgproto3.Bind{DestinationPortal: "p1", PreparedStatement: "client_named"}

	out := RewriteBind(b, e)

	if out.PreparedStatement != e.InternalName {
		t.Errorf("expected rewritten statement name %q, got %q", e.InternalName, out.PreparedStatement)
	}
	if out.DestinationPortal != "p1" {
		t.Errorf("expected portal name left untouched, got %q", out.DestinationPortal)
	}
	if b.PreparedStatement != "client_named" {
		t.Error("expected the original Bind to be left unmodified")
	}
}

func TestRewriteDescribeStatementReplacesNameForStatementTarget(t *testing.T) {
	e := testEntry()
	d := &pgproto3.Describe{ObjectType: 'S', Name: "client_named"}

	out := RewriteDescribeStatement(d, e)

	if out.Name != e.InternalName {
		t.Errorf("expected rewritten name %q, got %q", e.InternalName, out.Name)
	}
	if out.ObjectType != 'S' {
		t.Errorf("expected ObjectType preserved, got %q", out.ObjectType)
	}
}
