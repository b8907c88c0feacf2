package expr

import (
	"testing"

	"github.com/opereon/opereon/pkg/model"
)

const testModel = `
hosts:
  zeus:
    ip: 10.0.0.1
    os: linux
    labels: [web, db]
  ares:
    ip: 10.0.0.2
    os: bsd
    labels: [db]
limits:
  cpu: 4
`

func testScope(t *testing.T) (*model.Node, *Scope) {
	t.Helper()
	tree, err := model.LoadYAML([]byte(testModel))
	if err != nil {
		t.Fatalf("loading model: %v", err)
	}
	root := tree.Root()
	scope := NewScope()
	for _, k := range root.Keys() {
		scope.SetNode(k, root.Field(k))
	}
	return root, scope
}

func evalStrings(t *testing.T, src string, current *model.Node, scope *Scope) []string {
	t.Helper()
	e, err := Parse(src)
	if err != nil {
		t.Fatalf("parse %q: %v", src, err)
	}
	ns, err := e.Eval(current, scope)
	if err != nil {
		t.Fatalf("eval %q: %v", src, err)
	}
	out := make([]string, len(ns))
	for i, n := range ns {
		out[i] = n.AsString()
	}
	return out
}

func assertResult(t *testing.T, src string, current *model.Node, scope *Scope, want ...string) {
	t.Helper()
	got := evalStrings(t, src, current, scope)
	if len(got) != len(want) {
		t.Errorf("%q: expected %v, got %v", src, want, got)
		return
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("%q: expected %v, got %v", src, want, got)
			return
		}
	}
}

func TestEvalNavigation(t *testing.T) {
	root, scope := testScope(t)

	assertResult(t, "$hosts.zeus.ip", root, scope, "10.0.0.1")
	assertResult(t, "$hosts.zeus.labels[0]", root, scope, "web")
	assertResult(t, "$hosts.zeus.labels[*]", root, scope, "web", "db")
	assertResult(t, "$hosts.zeus.(ip,os)", root, scope, "10.0.0.1", "linux")
	assertResult(t, "$hosts.*.ip", root, scope, "10.0.0.1", "10.0.0.2")
	// Missing segments yield empty sets, never errors.
	assertResult(t, "$hosts.zeus.missing", root, scope)
	assertResult(t, "$nope.anything", root, scope)
}

func TestEvalImplicitDescent(t *testing.T) {
	root, scope := testScope(t)

	// A mapping without the key distributes over its mapping values, so host
	// attributes can be addressed without naming each host.
	assertResult(t, "$hosts.ip", root, scope, "10.0.0.1", "10.0.0.2")
}

func TestEvalRelativeFromCurrent(t *testing.T) {
	root, scope := testScope(t)
	zeus := root.Field("hosts").Field("zeus")

	assertResult(t, "ip", zeus, scope, "10.0.0.1")
	assertResult(t, "@.os", zeus, scope, "linux")
}

func TestEvalGlobalVar(t *testing.T) {
	root, scope := testScope(t)

	inner := scope.Child()
	inner.SetNode("hosts", model.String("shadowed"))

	assertResult(t, "$hosts", root, inner, "shadowed")
	assertResult(t, "$$hosts.zeus.ip", root, inner, "10.0.0.1")
}

func TestEvalScopeChain(t *testing.T) {
	_, scope := testScope(t)
	mid := scope.Child()
	mid.SetNode("x", model.Number(1))
	leaf := mid.Child()

	assertResult(t, "$x", nil, leaf, "1")
	leaf.SetNode("x", model.Number(2))
	assertResult(t, "$x", nil, leaf, "2")
	assertResult(t, "$x", nil, mid, "1")
}

func TestEvalPredicate(t *testing.T) {
	root, scope := testScope(t)

	linux := evalStrings(t, "$hosts[@.os == 'linux'].ip", root, scope)
	if len(linux) != 1 || linux[0] != "10.0.0.1" {
		t.Errorf("expected zeus only, got %v", linux)
	}

	assertResult(t, "$hosts[@.@key == 'ares'].ip", root, scope, "10.0.0.2")
	assertResult(t, "$hosts.zeus.labels[@ == 'db']", root, scope, "db")
}

func TestEvalAttributes(t *testing.T) {
	root, scope := testScope(t)
	zeus := root.Field("hosts").Field("zeus")

	assertResult(t, "@.@key", zeus, scope, "zeus")
	assertResult(t, "@.@path", zeus, scope, "hosts.zeus")
	assertResult(t, "@.@kind", zeus, scope, "mapping")
	assertResult(t, "@.labels[0].@key", zeus, scope, "0")
}

func TestEvalDeepWildcard(t *testing.T) {
	root, scope := testScope(t)

	// ** yields the receiver and every descendant.
	all := evalStrings(t, "$limits.**", root, scope)
	if len(all) != 2 {
		t.Errorf("expected limits and limits.cpu, got %v", all)
	}
}

func TestEvalPathMatch(t *testing.T) {
	root, scope := testScope(t)
	scope.SetNode("p", model.String("hosts.zeus.ip"))

	assertResult(t, "$p ^= 'hosts.*.ip'", root, scope, "true")
	assertResult(t, "$p ^= 'hosts.**'", root, scope, "true")
	assertResult(t, "$p ^= 'limits.**'", root, scope, "false")
	assertResult(t, "$p ^= 'hosts.*'", root, scope, "false")
}

func TestEvalOperators(t *testing.T) {
	root, scope := testScope(t)

	assertResult(t, "$limits.cpu + 4", root, scope, "8")
	assertResult(t, "$limits.cpu - 1", root, scope, "3")
	assertResult(t, "'a' + 'b'", root, scope, "ab")
	assertResult(t, "$limits.cpu == 4", root, scope, "true")
	assertResult(t, "$limits.cpu != 4", root, scope, "false")
	assertResult(t, "$limits.cpu > 3", root, scope, "true")
	assertResult(t, "$limits.cpu <= 3", root, scope, "false")
	assertResult(t, "!$limits.cpu", root, scope, "false")
	assertResult(t, "-$limits.cpu", root, scope, "-4")
	// Numeric strings compare numerically.
	assertResult(t, "'4' == 4", root, scope, "true")
}

func TestEvalAndOrReturnOperands(t *testing.T) {
	root, scope := testScope(t)
	zeus := root.Field("hosts").Field("zeus")

	assertResult(t, "@.nickname or @.@key", zeus, scope, "zeus")
	assertResult(t, "@.os and @.ip", zeus, scope, "10.0.0.1")
	assertResult(t, "@.nickname and @.ip", zeus, scope)
}

func TestEvalFunctions(t *testing.T) {
	root, scope := testScope(t)

	assertResult(t, "length($hosts.zeus.labels)", root, scope, "2")
	assertResult(t, "length('hello')", root, scope, "5")
	assertResult(t, "length($hosts.*)", root, scope, "2")
	assertResult(t, "join($hosts.zeus.labels, ' ')", root, scope, "web db")
	assertResult(t, "join($hosts.*.ip)", root, scope, "10.0.0.1,10.0.0.2")

	e, err := Parse("array($hosts.*.ip)")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	ns, err := e.Eval(root, scope)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if len(ns) != 1 || ns[0].Kind() != model.KindSequence || ns[0].Len() != 2 {
		t.Errorf("array() did not wrap the set into one sequence: %v", ns)
	}
}

func TestEvalMapFunction(t *testing.T) {
	root, scope := testScope(t)

	// A single key maps to the whole value sequence.
	e, err := Parse("map('ips', $hosts.*.ip)")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	ns, err := e.Eval(root, scope)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if len(ns) != 1 || ns[0].Kind() != model.KindMapping {
		t.Fatalf("expected one mapping, got %v", ns)
	}
	ips := ns[0].Field("ips")
	if ips == nil || ips.Kind() != model.KindSequence || ips.Len() != 2 {
		t.Errorf("expected ips sequence of 2, got %v", ips)
	}

	// Multiple keys zip pairwise.
	e, err = Parse("map($hosts.*.@key, $hosts.*.ip)")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	ns, err = e.Eval(root, scope)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	m := ns[0]
	if m.Field("zeus") == nil || m.Field("zeus").AsString() != "10.0.0.1" {
		t.Errorf("expected zeus -> 10.0.0.1, got %v", m.Field("zeus"))
	}
	if m.Field("ares") == nil || m.Field("ares").AsString() != "10.0.0.2" {
		t.Errorf("expected ares -> 10.0.0.2, got %v", m.Field("ares"))
	}
}

func TestEvalErrors(t *testing.T) {
	root, scope := testScope(t)

	for _, src := range []string{
		"length()",
		"nosuchfn(1)",
		"-'abc'",
		"'a' - 'b'",
	} {
		e, err := Parse(src)
		if err != nil {
			t.Fatalf("parse %q: %v", src, err)
		}
		if _, err := e.Eval(root, scope); err == nil {
			t.Errorf("%q: expected an eval error", src)
		}
	}
}

func TestParseErrors(t *testing.T) {
	for _, src := range []string{
		"$",
		"'unterminated",
		"a ^ b",
		"a.(x",
		"a[",
		"a b",
	} {
		if _, err := Parse(src); err == nil {
			t.Errorf("%q: expected a parse error", src)
		}
	}
}

func TestParseTemplate(t *testing.T) {
	if !IsTemplate("${$hosts.zeus.ip}") || IsTemplate("plain text") {
		t.Error("IsTemplate misclassified")
	}

	root, scope := testScope(t)

	e, err := ParseTemplate("${$hosts.zeus.ip}")
	if err != nil {
		t.Fatalf("parse template: %v", err)
	}
	n, err := e.EvalOne(root, scope)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if n.AsString() != "10.0.0.1" {
		t.Errorf("expected 10.0.0.1, got %s", n.AsString())
	}

	lit, err := ParseTemplate("plain text")
	if err != nil {
		t.Fatalf("parse literal: %v", err)
	}
	n, err = lit.EvalOne(root, scope)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if n.AsString() != "plain text" {
		t.Errorf("expected literal pass-through, got %s", n.AsString())
	}
}

func TestTruthy(t *testing.T) {
	tests := []struct {
		ns   model.NodeSet
		want bool
	}{
		{nil, false},
		{model.NodeSet{model.Bool(false)}, false},
		{model.NodeSet{model.String("")}, false},
		{model.NodeSet{model.String("x")}, true},
		{model.NodeSet{model.Number(0)}, false},
		{model.NodeSet{model.Bool(false), model.Bool(false)}, true},
	}
	for i, tc := range tests {
		if got := Truthy(tc.ns); got != tc.want {
			t.Errorf("case %d: Truthy = %v, want %v", i, got, tc.want)
		}
	}
}
