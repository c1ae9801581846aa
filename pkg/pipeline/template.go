package pipeline

import (
	"errors"
	"fmt"
)

// TemplateOptions configures GenerateTaskReview.
type TemplateOptions struct {
	Name  string
	Tasks int
	// Fields are copied onto every task; the default is one required
	// long-text "response" field.
	Fields []Field
	// MaxAttempts, when positive, adds a max-attempts edge from every review
	// to the end node.
	MaxAttempts int
	// ReviewerAssignment is placed on every subtask → review edge.
	ReviewerAssignment AssignmentBehavior
}

// GenerateTaskReview builds a linear chain: start → task 1 → review 1 →
// task 2 → … → end, where every review's reject edge loops back to its task.
func GenerateTaskReview(opts TemplateOptions) (*Pipeline, error) {
	if opts.Tasks < 1 {
		return nil, errors.New("template needs at least one task")
	}
	if opts.MaxAttempts < 0 {
		return nil, fmt.Errorf("max attempts must not be negative, got %d", opts.MaxAttempts)
	}
	fields := opts.Fields
	if len(fields) == 0 {
		fields = []Field{{ID: "response", Label: "Response", Kind: FieldKindLongText, Required: true}}
	}
	name := opts.Name
	if name == "" {
		name = fmt.Sprintf("%d-step review", opts.Tasks)
	}

	p := &Pipeline{Name: name}
	p.Nodes = append(p.Nodes, &Node{ID: "start", Type: NodeTypeStart, Label: "Pipeline Start"})

	edgeN := 0
	addEdge := func(from, to string, tag EdgeTag, assign AssignmentBehavior) {
		edgeN++
		p.Edges = append(p.Edges, &Edge{
			ID:         fmt.Sprintf("edge-%d", edgeN),
			From:       from,
			To:         to,
			Tag:        tag,
			Assignment: assign,
		})
	}

	addEdge("start", taskID(1), EdgeTagNone, "")
	for i := 1; i <= opts.Tasks; i++ {
		p.Nodes = append(p.Nodes,
			&Node{
				ID:      taskID(i),
				Type:    NodeTypeSubtask,
				Label:   fmt.Sprintf("Task %d", i),
				Subtask: &SubtaskSpec{Fields: cloneFields(fields)},
			},
			&Node{
				ID:     reviewID(i),
				Type:   NodeTypeReview,
				Label:  fmt.Sprintf("Review %d", i),
				Review: &ReviewSpec{SourceNodeID: taskID(i), MaxAttempts: opts.MaxAttempts},
			},
		)

		next := "end"
		if i < opts.Tasks {
			next = taskID(i + 1)
		}
		addEdge(taskID(i), reviewID(i), EdgeTagNone, opts.ReviewerAssignment)
		addEdge(reviewID(i), taskID(i), EdgeTagReject, "")
		addEdge(reviewID(i), next, EdgeTagAccept, "")
		if opts.MaxAttempts > 0 {
			addEdge(reviewID(i), "end", EdgeTagMaxAttempts, "")
		}
	}
	p.Nodes = append(p.Nodes, &Node{ID: "end", Type: NodeTypeEnd, Label: "Pipeline Complete"})
	return p, nil
}

func taskID(i int) string   { return fmt.Sprintf("task-%d", i) }
func reviewID(i int) string { return fmt.Sprintf("review-%d", i) }
