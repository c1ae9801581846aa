package pipeline

import (
	"fmt"
	"strconv"
	"strings"
)

// TraversalOrder returns node ids in BFS order from the start node;
// unreachable nodes follow in declaration order.
func (p *Pipeline) TraversalOrder() []string {
	visited := map[string]bool{}
	var order []string

	if start := p.StartNode(); start != nil {
		queue := []string{start.ID}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			if visited[cur] {
				continue
			}
			visited[cur] = true
			order = append(order, cur)
			for _, e := range p.OutgoingEdges(cur) {
				if !visited[e.To] {
					queue = append(queue, e.To)
				}
			}
		}
	}

	for _, n := range p.Nodes {
		if !visited[n.ID] {
			visited[n.ID] = true
			order = append(order, n.ID)
		}
	}
	return order
}

// truncate shortens s to maxLen chars, appending "…" if needed.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "…"
}

// nodeAttrs returns the DOT attributes describing n's payload, in a fixed order.
func nodeAttrs(n *Node) [][2]string {
	var attrs [][2]string
	if n.Label != "" && n.Label != n.ID {
		attrs = append(attrs, [2]string{"label", n.Label})
	}
	if n.Description != "" {
		attrs = append(attrs, [2]string{"description", n.Description})
	}
	if n.Subtask != nil {
		attrs = append(attrs, [2]string{"fields", FormatFieldSpec(n.Subtask.Fields)})
	}
	if n.Review != nil {
		attrs = append(attrs, [2]string{"source", n.Review.SourceNodeID})
		if len(n.Review.ReviewableFieldIDs) > 0 {
			attrs = append(attrs, [2]string{"reviewable", strings.Join(n.Review.ReviewableFieldIDs, ",")})
		}
		if n.Review.MaxAttempts != 0 {
			attrs = append(attrs, [2]string{"max_attempts", strconv.Itoa(n.Review.MaxAttempts)})
		}
	}
	return attrs
}

// RenderText produces a human-readable summary of the pipeline.
func RenderText(p *Pipeline) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Pipeline: %s  (%d nodes, %d edges)\n", p.Name, len(p.Nodes), len(p.Edges))

	maxIDLen := 4
	for _, n := range p.Nodes {
		if len(n.ID) > maxIDLen {
			maxIDLen = len(n.ID)
		}
	}

	fmt.Fprintf(&sb, "\nNodes:\n")
	for _, id := range p.TraversalOrder() {
		n := p.Node(id)
		var parts []string
		for _, kv := range nodeAttrs(n) {
			parts = append(parts, kv[0]+"="+truncate(kv[1], 60))
		}
		fmt.Fprintf(&sb, "  %-*s  %-8s  %s\n", maxIDLen, id, string(n.Type), strings.Join(parts, " "))
	}

	fmt.Fprintf(&sb, "\nEdges:\n")
	maxFromLen := 4
	for _, e := range p.Edges {
		if len(e.From) > maxFromLen {
			maxFromLen = len(e.From)
		}
	}
	for _, e := range p.Edges {
		var notes []string
		if e.Tag != EdgeTagNone {
			notes = append(notes, string(e.Tag))
		}
		if e.Assignment != "" && e.Assignment != AssignAny {
			notes = append(notes, "assign="+string(e.Assignment))
		}
		if len(notes) > 0 {
			fmt.Fprintf(&sb, "  %-*s  →  %s  [%s]\n", maxFromLen, e.From, e.To, strings.Join(notes, " "))
		} else {
			fmt.Fprintf(&sb, "  %-*s  →  %s\n", maxFromLen, e.From, e.To)
		}
	}

	return sb.String()
}

// dotQuote returns the value as a DOT-safe string, quoting if necessary.
func dotQuote(s string) string {
	needsQuote := s == "" ||
		strings.ContainsAny(s, " \t\n\\\"{}[]<>=;,:()-.") ||
		(s[0] >= '0' && s[0] <= '9')
	if needsQuote {
		escaped := strings.ReplaceAll(s, `\`, `\\`)
		escaped = strings.ReplaceAll(escaped, `"`, `\"`)
		return `"` + escaped + `"`
	}
	return s
}

// RenderDOT produces a DOT digraph that ParseDOT reads back into an
// equivalent pipeline.
func RenderDOT(p *Pipeline) string {
	var sb strings.Builder

	id := p.ID
	if id == "" {
		id = "pipeline"
	}
	fmt.Fprintf(&sb, "digraph %s {\n", dotQuote(id))
	if p.Name != "" {
		fmt.Fprintf(&sb, "    name=%s\n", dotQuote(p.Name))
	}
	if p.Description != "" {
		fmt.Fprintf(&sb, "    description=%s\n", dotQuote(p.Description))
	}

	for _, n := range p.Nodes {
		parts := []string{"type=" + dotQuote(string(n.Type))}
		for _, kv := range nodeAttrs(n) {
			parts = append(parts, kv[0]+"="+dotQuote(kv[1]))
		}
		fmt.Fprintf(&sb, "    %s [%s]\n", dotQuote(n.ID), strings.Join(parts, " "))
	}

	for _, e := range p.Edges {
		parts := []string{"id=" + dotQuote(e.ID)}
		if e.Tag != EdgeTagNone {
			parts = append(parts, "label="+dotQuote(string(e.Tag)))
		}
		if e.Assignment != "" {
			parts = append(parts, "assign="+dotQuote(string(e.Assignment)))
		}
		fmt.Fprintf(&sb, "    %s -> %s [%s]\n", dotQuote(e.From), dotQuote(e.To), strings.Join(parts, " "))
	}

	fmt.Fprintf(&sb, "}\n")
	return sb.String()
}
