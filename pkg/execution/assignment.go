package execution

import (
	"strings"

	"github.com/ravi-parthasarathy/reviewflow/pkg/pipeline"
)

// AssignmentKind says how a node's actor is constrained.
type AssignmentKind string

const (
	Unconstrained AssignmentKind = "unconstrained"
	MustBe        AssignmentKind = "must-be"
	MustNotBe     AssignmentKind = "must-not-be"
)

// Assignment is an advisory constraint on who acts on a node.
type Assignment struct {
	Kind  AssignmentKind `json:"kind"`
	Actor string         `json:"actor,omitempty"`
}

const excludePrefix = "not:"

// Resolve turns an edge's assignment behaviour and the previous actor into a
// constraint. Without a previous actor every behaviour is unconstrained.
func Resolve(behavior pipeline.AssignmentBehavior, previousActor string) Assignment {
	if previousActor == "" {
		return Assignment{Kind: Unconstrained}
	}
	switch behavior {
	case pipeline.AssignSamePerson:
		return Assignment{Kind: MustBe, Actor: previousActor}
	case pipeline.AssignDifferentPerson:
		return Assignment{Kind: MustNotBe, Actor: previousActor}
	}
	return Assignment{Kind: Unconstrained}
}

// Allows reports whether actor satisfies the constraint.
func (a Assignment) Allows(actor string) bool {
	switch a.Kind {
	case MustBe:
		return actor == a.Actor
	case MustNotBe:
		return actor != a.Actor
	}
	return true
}

// String renders the stored form: "" for unconstrained, the actor id for
// must-be and "not:<id>" for must-not-be.
func (a Assignment) String() string {
	switch a.Kind {
	case MustBe:
		return a.Actor
	case MustNotBe:
		return excludePrefix + a.Actor
	}
	return ""
}

// ParseAssignment is the inverse of Assignment.String.
func ParseAssignment(s string) Assignment {
	switch {
	case s == "":
		return Assignment{Kind: Unconstrained}
	case strings.HasPrefix(s, excludePrefix):
		return Assignment{Kind: MustNotBe, Actor: strings.TrimPrefix(s, excludePrefix)}
	}
	return Assignment{Kind: MustBe, Actor: s}
}
