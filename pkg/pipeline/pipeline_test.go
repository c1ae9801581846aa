package pipeline_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ravi-parthasarathy/reviewflow/pkg/pipeline"
)

// reviewDOT is a two-stage pipeline: draft → review (with escalation) →
// polish → review → end.
const reviewDOT = `digraph article {
	name="Article review"
	start   [type=start]
	draft   [type=subtask label="Draft" fields="title:text:required; body:long-text:required; note:instructions"]
	check   [type=review source=draft max_attempts=2]
	polish  [type=subtask fields="links:dynamic-list(url:text:required,caption:text)"]
	check2  [type=review source=polish]
	done    [type=end]
	escal   [type=end label="Escalated"]

	start  -> draft
	draft  -> check  [assign="different-person"]
	check  -> draft  [label=reject assign="same-person"]
	check  -> polish [label=accept]
	check  -> escal  [label="max-attempts"]
	polish -> check2
	check2 -> polish [label=reject]
	check2 -> done   [label=accept]
}`

func mustParse(t *testing.T, src string) *pipeline.Pipeline {
	t.Helper()
	p, err := pipeline.ParseDOT(src)
	if err != nil {
		t.Fatalf("ParseDOT: %v", err)
	}
	return p
}

// ─── Parser tests ─────────────────────────────────────────────────────────────

func TestParseDOT_ReviewPipeline(t *testing.T) {
	t.Parallel()
	p := mustParse(t, reviewDOT)

	if p.ID != "article" {
		t.Errorf("ID = %q, want %q", p.ID, "article")
	}
	if p.Name != "Article review" {
		t.Errorf("Name = %q, want %q", p.Name, "Article review")
	}
	if len(p.Nodes) != 7 {
		t.Errorf("nodes = %d, want 7", len(p.Nodes))
	}
	if len(p.Edges) != 8 {
		t.Errorf("edges = %d, want 8", len(p.Edges))
	}
	if p.Nodes[0].ID != "start" {
		t.Errorf("first node = %q, want declaration order", p.Nodes[0].ID)
	}

	draft := p.Node("draft")
	if draft == nil || draft.Subtask == nil {
		t.Fatal("draft subtask not parsed")
	}
	if got := len(draft.Subtask.Fields); got != 3 {
		t.Fatalf("draft fields = %d, want 3", got)
	}
	if f := draft.Subtask.Fields[0]; f.ID != "title" || f.Kind != pipeline.FieldKindText || !f.Required {
		t.Errorf("title field = %+v", f)
	}
	if got := len(draft.Subtask.TrackedFields()); got != 2 {
		t.Errorf("tracked fields = %d, want 2", got)
	}

	check := p.Node("check")
	if check.Review == nil || check.Review.SourceNodeID != "draft" || check.Review.MaxAttempts != 2 {
		t.Errorf("check review = %+v", check.Review)
	}
}

func TestParseDOT_EdgeTagsAndAssignment(t *testing.T) {
	t.Parallel()
	p := mustParse(t, reviewDOT)

	out := p.OutgoingEdges("check")
	if len(out) != 3 {
		t.Fatalf("check outgoing = %d, want 3", len(out))
	}
	if out[0].Tag != pipeline.EdgeTagReject || out[0].Assignment != pipeline.AssignSamePerson {
		t.Errorf("first edge = %+v", out[0])
	}
	if out[2].Tag != pipeline.EdgeTagMaxAttempts {
		t.Errorf("third edge tag = %q, want max-attempts", out[2].Tag)
	}
	for _, e := range p.Edges {
		if e.ID == "" {
			t.Errorf("edge %s→%s has no id", e.From, e.To)
		}
	}
}

func TestParseDOT_BadMaxAttempts(t *testing.T) {
	t.Parallel()
	_, err := pipeline.ParseDOT(`digraph x { r [type=review max_attempts=lots] }`)
	if err == nil {
		t.Fatal("expected error for non-numeric max_attempts")
	}
}

func TestParseFieldSpec(t *testing.T) {
	t.Parallel()
	fields, err := pipeline.ParseFieldSpec("a:text; items:dynamic-list(name:text:required, qty:text):required")
	if err != nil {
		t.Fatalf("ParseFieldSpec: %v", err)
	}
	if len(fields) != 2 {
		t.Fatalf("fields = %d, want 2", len(fields))
	}
	items := fields[1]
	if items.Kind != pipeline.FieldKindDynamicList || !items.Required {
		t.Errorf("items = %+v", items)
	}
	if len(items.Subfields) != 2 || !items.Subfields[0].Required || items.Subfields[1].ID != "qty" {
		t.Errorf("subfields = %+v", items.Subfields)
	}

	again, err := pipeline.ParseFieldSpec(pipeline.FormatFieldSpec(fields))
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if pipeline.FormatFieldSpec(again) != pipeline.FormatFieldSpec(fields) {
		t.Errorf("format not stable: %q vs %q", pipeline.FormatFieldSpec(again), pipeline.FormatFieldSpec(fields))
	}
}

func TestParseFieldSpec_Errors(t *testing.T) {
	t.Parallel()
	for _, src := range []string{
		"justanid",
		"a:text:mandatory",
		"a:text(x:text)",
		"a:dynamic-list(x:text",
	} {
		if _, err := pipeline.ParseFieldSpec(src); err == nil {
			t.Errorf("ParseFieldSpec(%q): expected error", src)
		}
	}
}

// ─── Loader tests ─────────────────────────────────────────────────────────────

func TestLoadFile_YAML(t *testing.T) {
	t.Parallel()
	src := `
name: Translation
nodes:
  - id: start
    type: start
  - id: translate
    type: subtask
    label: Translate
    subtask:
      fields:
        - id: text
          label: Translation
          kind: long-text
          required: true
  - id: proof
    type: review
    review:
      source_node_id: translate
  - id: end
    type: end
edges:
  - {id: e1, source: start, target: translate}
  - {id: e2, source: translate, target: proof, assignment: different-person}
  - {id: e3, source: proof, target: translate, tag: reject}
  - {id: e4, source: proof, target: end, tag: accept}
`
	path := filepath.Join(t.TempDir(), "translation.yaml")
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
	p, err := pipeline.LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if p.ID != "translation" {
		t.Errorf("ID = %q, want file stem", p.ID)
	}
	if res := pipeline.Validate(p); !res.Valid {
		t.Errorf("expected valid, got %v", res.Errors)
	}
	if p.Edges[1].Assignment != pipeline.AssignDifferentPerson {
		t.Errorf("assignment = %q", p.Edges[1].Assignment)
	}
}

func TestLoadFile_UnknownExtension(t *testing.T) {
	t.Parallel()
	if _, err := pipeline.LoadFile("pipeline.txt"); err == nil {
		t.Error("expected error for .txt")
	}
}

func TestEncode_RoundTrip(t *testing.T) {
	t.Parallel()
	orig := mustParse(t, reviewDOT)

	for _, f := range []pipeline.Format{pipeline.FormatJSON, pipeline.FormatYAML, pipeline.FormatDOT} {
		data, err := pipeline.Encode(orig, f)
		if err != nil {
			t.Fatalf("Encode(%s): %v", f, err)
		}
		back, err := pipeline.Parse(data, f)
		if err != nil {
			t.Fatalf("Parse(%s): %v\n%s", f, err, data)
		}
		if len(back.Nodes) != len(orig.Nodes) || len(back.Edges) != len(orig.Edges) {
			t.Errorf("%s: got %d nodes %d edges", f, len(back.Nodes), len(back.Edges))
		}
		if res := pipeline.Validate(back); !res.Valid {
			t.Errorf("%s: round trip invalid: %v", f, res.Errors)
		}
		if got := back.Node("check").Review.MaxAttempts; got != 2 {
			t.Errorf("%s: maxAttempts = %d, want 2", f, got)
		}
		if got := back.Node("polish").Subtask.Fields[0].Subfields; len(got) != 2 {
			t.Errorf("%s: subfields = %+v", f, got)
		}
	}
}

// ─── Validator tests ──────────────────────────────────────────────────────────

func TestValidate_Valid(t *testing.T) {
	t.Parallel()
	res := pipeline.Validate(mustParse(t, reviewDOT))
	if !res.Valid || len(res.Errors) != 0 {
		t.Errorf("expected valid, got %v", res.Errors)
	}
	if err := pipeline.ValidateErr(mustParse(t, reviewDOT)); err != nil {
		t.Errorf("ValidateErr = %v", err)
	}
}

func TestValidate_Codes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		src  string
		want pipeline.ErrorCode
	}{
		{"empty", `digraph x {}`, pipeline.CodeNoNodes},
		{"no start", `digraph x {
			t [type=subtask fields="a:text"]
			r [type=review source=t]
			e [type=end]
			t -> r
			r -> t [label=reject]
			r -> e [label=accept]
		}`, pipeline.CodeNoStartNode},
		{"two starts", `digraph x {
			s1 [type=start]
			s2 [type=start]
			e [type=end]
			s1 -> e
			s2 -> e
		}`, pipeline.CodeMultipleStartNodes},
		{"start incoming", `digraph x {
			s [type=start]
			t [type=subtask fields="a:text"]
			r [type=review source=t]
			e [type=end]
			s -> t
			t -> r
			r -> s [label=reject]
			r -> e [label=accept]
		}`, pipeline.CodeStartHasIncoming},
		{"no end", `digraph x {
			s [type=start]
			t [type=subtask fields="a:text"]
			s -> t
		}`, pipeline.CodeNoEndNode},
		{"end outgoing", `digraph x {
			s [type=start]
			e [type=end]
			e2 [type=end]
			s -> e
			e -> e2
		}`, pipeline.CodeEndHasOutgoing},
		{"subtask two edges", `digraph x {
			s [type=start]
			t [type=subtask fields="a:text"]
			r [type=review source=t]
			e [type=end]
			s -> t
			t -> r
			t -> e
			r -> t [label=reject]
			r -> e [label=accept]
		}`, pipeline.CodeMultipleOutgoingEdges},
		{"instructions only", `digraph x {
			s [type=start]
			t [type=subtask fields="read:instructions"]
			r [type=review source=t]
			e [type=end]
			s -> t
			t -> r
			r -> t [label=reject]
			r -> e [label=accept]
		}`, pipeline.CodeNoFields},
		{"review missing reject", `digraph x {
			s [type=start]
			t [type=subtask fields="a:text"]
			r [type=review source=t]
			e [type=end]
			s -> t
			t -> r
			r -> e [label=accept]
		}`, pipeline.CodeNoRejectEdge},
		{"review missing accept", `digraph x {
			s [type=start]
			t [type=subtask fields="a:text"]
			r [type=review source=t]
			e [type=end]
			s -> t
			t -> r
			r -> t [label=reject]
			r -> e [label=reject]
		}`, pipeline.CodeNoAcceptEdge},
		{"max attempts without edge", `digraph x {
			s [type=start]
			t [type=subtask fields="a:text"]
			r [type=review source=t max_attempts=3]
			e [type=end]
			s -> t
			t -> r
			r -> t [label=reject]
			r -> e [label=accept]
		}`, pipeline.CodeNoMaxAttemptsEdge},
		{"max attempts edge without setting", `digraph x {
			s [type=start]
			t [type=subtask fields="a:text"]
			r [type=review source=t]
			e [type=end]
			s -> t
			t -> r
			r -> t [label=reject]
			r -> e [label=accept]
			r -> e [label="max-attempts"]
		}`, pipeline.CodeUnexpectedMaxAttemptsEdge},
		{"source not a subtask", `digraph x {
			s [type=start]
			t [type=subtask fields="a:text"]
			r [type=review source=e]
			e [type=end]
			s -> t
			t -> r
			r -> t [label=reject]
			r -> e [label=accept]
		}`, pipeline.CodeInvalidSourceType},
		{"source missing", `digraph x {
			s [type=start]
			t [type=subtask fields="a:text"]
			r [type=review source=ghost]
			e [type=end]
			s -> t
			t -> r
			r -> t [label=reject]
			r -> e [label=accept]
		}`, pipeline.CodeInvalidSourceSubtask},
		{"bad reviewable", `digraph x {
			s [type=start]
			t [type=subtask fields="a:text; i:instructions"]
			r [type=review source=t reviewable="a,i"]
			e [type=end]
			s -> t
			t -> r
			r -> t [label=reject]
			r -> e [label=accept]
		}`, pipeline.CodeInvalidReviewableField},
		{"subtask into end", `digraph x {
			s [type=start]
			t [type=subtask fields="a:text"]
			e [type=end]
			s -> t
			t -> e
		}`, pipeline.CodeSubtaskTargetNotReview},
		{"start into review", `digraph x {
			s [type=start]
			t [type=subtask fields="a:text"]
			r [type=review source=t]
			e [type=end]
			s -> r
			t -> r
			r -> t [label=reject]
			r -> e [label=accept]
		}`, pipeline.CodeInvalidStartTarget},
		{"review of another subtask", `digraph x {
			s [type=start]
			t1 [type=subtask fields="a:text"]
			t2 [type=subtask fields="b:text"]
			r1 [type=review source=t2]
			r2 [type=review source=t2]
			e [type=end]
			s -> t1
			t1 -> r1
			r1 -> t1 [label=reject]
			r1 -> t2 [label=accept]
			t2 -> r2
			r2 -> t2 [label=reject]
			r2 -> e [label=accept]
		}`, pipeline.CodeReviewSourceMismatch},
		{"unknown type", `digraph x {
			s [type=start]
			w [type=wait]
			e [type=end]
			s -> w
			w -> e
		}`, pipeline.CodeUnknownNodeType},
		{"unknown tag", `digraph x {
			s [type=start]
			e [type=end]
			s -> e [label=maybe]
		}`, pipeline.CodeUnknownEdgeTag},
		{"unknown assignment", `digraph x {
			s [type=start]
			e [type=end]
			s -> e [assign=nobody]
		}`, pipeline.CodeUnknownAssignment},
		{"duplicate field", `digraph x {
			s [type=start]
			t [type=subtask fields="a:text; a:long-text"]
			r [type=review source=t]
			e [type=end]
			s -> t
			t -> r
			r -> t [label=reject]
			r -> e [label=accept]
		}`, pipeline.CodeDuplicateFieldID},
		{"untagged review edge", `digraph x {
			s [type=start]
			t [type=subtask fields="a:text"]
			r [type=review source=t]
			e [type=end]
			s -> t
			t -> r
			r -> t [label=reject]
			r -> e
		}`, pipeline.CodeUntaggedReviewEdge},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			res := pipeline.Validate(mustParse(t, tc.src))
			if res.Valid {
				t.Fatalf("expected invalid, got valid")
			}
			if !res.Has(tc.want) {
				t.Errorf("errors = %v, want code %s", res.Errors, tc.want)
			}
		})
	}
}

func TestValidate_AccumulatesAllErrors(t *testing.T) {
	t.Parallel()
	p := &pipeline.Pipeline{
		Nodes: []*pipeline.Node{
			{ID: "t", Type: pipeline.NodeTypeSubtask},
		},
		Edges: []*pipeline.Edge{{ID: "x", From: "t", To: "nowhere"}},
	}
	res := pipeline.Validate(p)
	for _, code := range []pipeline.ErrorCode{
		pipeline.CodeNoStartNode,
		pipeline.CodeNoEndNode,
		pipeline.CodeMissingNodeData,
		pipeline.CodeInvalidEdgeTarget,
	} {
		if !res.Has(code) {
			t.Errorf("missing %s in %v", code, res.Errors)
		}
	}

	err := pipeline.ValidateErr(p)
	var ipe *pipeline.InvalidPipelineError
	if !errors.As(err, &ipe) {
		t.Fatalf("ValidateErr = %T, want *InvalidPipelineError", err)
	}
	if len(ipe.Errors) != len(res.Errors) {
		t.Errorf("wrapped %d errors, want %d", len(ipe.Errors), len(res.Errors))
	}
	if !strings.Contains(err.Error(), "INVALID_EDGE_TARGET") {
		t.Errorf("error text missing code: %v", err)
	}
}

func TestValidate_Idempotent(t *testing.T) {
	t.Parallel()
	p := mustParse(t, `digraph x { s [type=start] s2 [type=start] }`)
	a, b := pipeline.Validate(p), pipeline.Validate(p)
	if len(a.Errors) != len(b.Errors) {
		t.Fatalf("error counts differ: %d vs %d", len(a.Errors), len(b.Errors))
	}
	for i := range a.Errors {
		if a.Errors[i] != b.Errors[i] {
			t.Errorf("error %d differs: %v vs %v", i, a.Errors[i], b.Errors[i])
		}
	}
}

func TestValidate_NilPipeline(t *testing.T) {
	t.Parallel()
	if res := pipeline.Validate(nil); res.Valid || !res.Has(pipeline.CodeNoNodes) {
		t.Errorf("Validate(nil) = %+v", res)
	}
}

// ─── Router tests ─────────────────────────────────────────────────────────────

func TestNextNode(t *testing.T) {
	t.Parallel()
	p := mustParse(t, reviewDOT)

	n, e, err := p.NextNode("check", pipeline.EdgeTagAccept)
	if err != nil || n.ID != "polish" {
		t.Fatalf("accept → %v, %v", n, err)
	}
	if e.Tag != pipeline.EdgeTagAccept {
		t.Errorf("edge tag = %q", e.Tag)
	}

	n, _, err = p.NextNode("draft", pipeline.EdgeTagNone)
	if err != nil || n.ID != "check" {
		t.Fatalf("untagged → %v, %v", n, err)
	}

	// check has three outgoing edges, so an untagged lookup is ambiguous.
	_, _, err = p.NextNode("check", pipeline.EdgeTagNone)
	if !errors.Is(err, pipeline.ErrInvariant) {
		t.Errorf("ambiguous lookup err = %v, want ErrInvariant", err)
	}

	_, _, err = p.NextNode("check2", pipeline.EdgeTagMaxAttempts)
	var ie *pipeline.InvariantError
	if !errors.As(err, &ie) || ie.NodeID != "check2" {
		t.Errorf("missing tag err = %v", err)
	}
}

func TestFirstActionableNode(t *testing.T) {
	t.Parallel()
	n, _, err := mustParse(t, reviewDOT).FirstActionableNode()
	if err != nil || n.ID != "draft" {
		t.Errorf("FirstActionableNode = %v, %v", n, err)
	}
}

func TestReachableNodes_Cycle(t *testing.T) {
	t.Parallel()
	p := mustParse(t, reviewDOT)
	got := p.ReachableNodes("polish")
	for _, id := range []string{"polish", "check2", "done"} {
		if !got[id] {
			t.Errorf("%s not reachable from polish", id)
		}
	}
	if got["draft"] || got["escal"] {
		t.Errorf("unexpected reachability: %v", got)
	}
	if len(p.ReachableNodes("start")) != len(p.Nodes) {
		t.Errorf("start should reach every node")
	}
}

func TestPriorSubtasks(t *testing.T) {
	t.Parallel()
	p := mustParse(t, reviewDOT)

	got := p.PriorSubtasks("polish")
	if len(got) != 1 || got[0].ID != "draft" {
		t.Errorf("PriorSubtasks(polish) = %v", nodeIDs(got))
	}
	// draft sits on a loop with check; it must not list itself.
	if got := p.PriorSubtasks("draft"); len(got) != 0 {
		t.Errorf("PriorSubtasks(draft) = %v, want none", nodeIDs(got))
	}

	tpl, err := pipeline.GenerateTaskReview(pipeline.TemplateOptions{Tasks: 3})
	if err != nil {
		t.Fatal(err)
	}
	ids := nodeIDs(tpl.PriorSubtasks("task-3"))
	if strings.Join(ids, ",") != "task-1,task-2" {
		t.Errorf("PriorSubtasks(task-3) = %v, want upstream-most first", ids)
	}
}

func TestReviewableFields(t *testing.T) {
	t.Parallel()
	p := mustParse(t, reviewDOT)
	fields, err := p.ReviewableFields("check")
	if err != nil {
		t.Fatal(err)
	}
	if len(fields) != 2 || fields[0].ID != "title" || fields[1].ID != "body" {
		t.Errorf("fields = %+v", fields)
	}
	if _, err := p.ReviewableFields("draft"); !errors.Is(err, pipeline.ErrInvariant) {
		t.Errorf("non-review err = %v", err)
	}
}

func nodeIDs(nodes []*pipeline.Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.ID
	}
	return out
}

// ─── Template tests ───────────────────────────────────────────────────────────

func TestGenerateTaskReview(t *testing.T) {
	t.Parallel()
	for _, tc := range []pipeline.TemplateOptions{
		{Tasks: 1},
		{Tasks: 4, MaxAttempts: 3, ReviewerAssignment: pipeline.AssignDifferentPerson},
	} {
		p, err := pipeline.GenerateTaskReview(tc)
		if err != nil {
			t.Fatalf("GenerateTaskReview(%+v): %v", tc, err)
		}
		if res := pipeline.Validate(p); !res.Valid {
			t.Errorf("template %+v invalid: %v", tc, res.Errors)
		}
		if want := 2*tc.Tasks + 2; len(p.Nodes) != want {
			t.Errorf("nodes = %d, want %d", len(p.Nodes), want)
		}
	}
	if _, err := pipeline.GenerateTaskReview(pipeline.TemplateOptions{}); err == nil {
		t.Error("expected error for zero tasks")
	}
}

// ─── Render tests ─────────────────────────────────────────────────────────────

func TestRenderText(t *testing.T) {
	t.Parallel()
	out := pipeline.RenderText(mustParse(t, reviewDOT))
	for _, want := range []string{"Pipeline: Article review", "(7 nodes, 8 edges)", "max-attempts", "assign=different-person"} {
		if !strings.Contains(out, want) {
			t.Errorf("RenderText missing %q:\n%s", want, out)
		}
	}
}

func TestTraversalOrder_UnreachableLast(t *testing.T) {
	t.Parallel()
	p := mustParse(t, `digraph x {
		orphan [type=end]
		s [type=start]
		e [type=end]
		s -> e
	}`)
	got := strings.Join(p.TraversalOrder(), ",")
	if got != "s,e,orphan" {
		t.Errorf("TraversalOrder = %s", got)
	}
}

// ─── Clone ────────────────────────────────────────────────────────────────────

func TestPipelineClone_Independent(t *testing.T) {
	t.Parallel()
	p := mustParse(t, reviewDOT)
	c := p.Clone()
	c.Node("draft").Subtask.Fields[0].ID = "changed"
	c.Node("check").Review.MaxAttempts = 9
	c.Edges[0].To = "elsewhere"
	if p.Node("draft").Subtask.Fields[0].ID != "title" || p.Node("check").Review.MaxAttempts != 2 || p.Edges[0].To != "draft" {
		t.Error("mutating the clone changed the original")
	}
}
