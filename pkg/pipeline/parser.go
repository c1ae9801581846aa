package pipeline

import (
	"fmt"
	"strconv"
	"strings"

	gographviz "github.com/awalterschulze/gographviz"
)

// ParseDOT parses a Graphviz DOT digraph into a Pipeline.
//
// Node attributes: type (start|subtask|review|end), label, description,
// fields (see ParseFieldSpec), source, reviewable (comma-separated ids) and
// max_attempts. Edge attributes: label or tag (accept|reject|max-attempts),
// assign (any|same-person|different-person) and id. Graph attributes name and
// description set the pipeline's metadata; the graph id becomes the pipeline id.
//
// The result is not validated.
func ParseDOT(src string) (*Pipeline, error) {
	graphAst, err := gographviz.ParseString(src)
	if err != nil {
		return nil, fmt.Errorf("dot parse error: %w", err)
	}

	// gographviz.Graph rejects attribute names outside the Graphviz vocabulary.
	collector := newDOTCollector()
	if err := gographviz.Analyse(graphAst, collector); err != nil {
		return nil, fmt.Errorf("dot analyse error: %w", err)
	}

	p := &Pipeline{
		ID:          collector.name,
		Name:        collector.graphAttrs["name"],
		Description: collector.graphAttrs["description"],
	}
	if p.Name == "" {
		p.Name = collector.name
	}

	for _, id := range collector.order {
		n, err := nodeFromAttrs(id, collector.nodes[id])
		if err != nil {
			return nil, err
		}
		p.Nodes = append(p.Nodes, n)
	}

	for i, e := range collector.edges {
		edge := &Edge{
			ID:         e.attrs["id"],
			From:       e.from,
			To:         e.to,
			Tag:        EdgeTag(firstNonEmpty(e.attrs["tag"], e.attrs["label"])),
			Assignment: AssignmentBehavior(e.attrs["assign"]),
		}
		if edge.ID == "" {
			edge.ID = fmt.Sprintf("e%d", i+1)
		}
		p.Edges = append(p.Edges, edge)
	}

	return p, nil
}

func nodeFromAttrs(id string, attrs map[string]string) (*Node, error) {
	n := &Node{
		ID:          id,
		Type:        NodeType(attrs["type"]),
		Label:       firstNonEmpty(attrs["label"], id),
		Description: attrs["description"],
	}
	switch n.Type {
	case NodeTypeSubtask:
		fields, err := ParseFieldSpec(attrs["fields"])
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", id, err)
		}
		n.Subtask = &SubtaskSpec{Fields: fields}
	case NodeTypeReview:
		rs := &ReviewSpec{SourceNodeID: attrs["source"]}
		for _, f := range strings.Split(attrs["reviewable"], ",") {
			if f = strings.TrimSpace(f); f != "" {
				rs.ReviewableFieldIDs = append(rs.ReviewableFieldIDs, f)
			}
		}
		if raw := attrs["max_attempts"]; raw != "" {
			v, err := strconv.Atoi(raw)
			if err != nil {
				return nil, fmt.Errorf("node %q: max_attempts %q: %w", id, raw, err)
			}
			rs.MaxAttempts = v
		}
		n.Review = rs
	}
	return n, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// ─── permissive DOT collector ─────────────────────────────────────────────────

type rawEdge struct {
	from, to string
	attrs    map[string]string
}

// dotCollector implements gographviz.Interface without attribute validation.
type dotCollector struct {
	name       string
	nodes      map[string]map[string]string // id → attrs
	order      []string                     // node ids in first-seen order
	edges      []rawEdge
	graphAttrs map[string]string
}

func newDOTCollector() *dotCollector {
	return &dotCollector{
		nodes:      make(map[string]map[string]string),
		graphAttrs: make(map[string]string),
	}
}

func (c *dotCollector) SetStrict(_ bool) error { return nil }
func (c *dotCollector) SetDir(_ bool) error    { return nil }
func (c *dotCollector) SetName(n string) error { c.name = unquote(n); return nil }
func (c *dotCollector) String() string         { return c.name }

func (c *dotCollector) AddNode(_ string, name string, attrs map[string]string) error {
	id := unquote(name)
	if _, ok := c.nodes[id]; !ok {
		c.nodes[id] = make(map[string]string, len(attrs))
		c.order = append(c.order, id)
	}
	for k, v := range attrs {
		c.nodes[id][k] = unquote(v)
	}
	return nil
}

func (c *dotCollector) AddEdge(src, dst string, _ bool, attrs map[string]string) error {
	clean := make(map[string]string, len(attrs))
	for k, v := range attrs {
		clean[k] = unquote(v)
	}
	from, to := unquote(src), unquote(dst)
	// Edges may mention nodes that were never declared on their own line.
	for _, id := range []string{from, to} {
		if _, ok := c.nodes[id]; !ok {
			c.nodes[id] = map[string]string{}
			c.order = append(c.order, id)
		}
	}
	c.edges = append(c.edges, rawEdge{from: from, to: to, attrs: clean})
	return nil
}

func (c *dotCollector) AddPortEdge(src, _, dst, _ string, directed bool, attrs map[string]string) error {
	return c.AddEdge(src, dst, directed, attrs)
}

func (c *dotCollector) AddAttr(_ string, field, value string) error {
	c.graphAttrs[field] = unquote(value)
	return nil
}

func (c *dotCollector) AddSubGraph(_, _ string, _ map[string]string) error { return nil }

// unquote strips surrounding double-quotes from a DOT attribute value and
// undoes the escaping applied by dotQuote.
func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
		s = strings.ReplaceAll(s, `\"`, `"`)
		return strings.ReplaceAll(s, `\\`, `\`)
	}
	return s
}
