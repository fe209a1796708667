// Package stage holds the pursuit stage transition rules. Validate is pure
// and is consulted by mutation call sites before any write or audit entry is
// attempted.
package stage

import (
	"fmt"

	"siteline/internal/domain"
)

// transitions is the closed set of legal forward edges.
var transitions = map[domain.Stage][]domain.Stage{
	domain.StageProspect:           {domain.StageActivePursuit, domain.StageArchivedLoss, domain.StageArchivedWithdrawn},
	domain.StageActivePursuit:      {domain.StageProposal, domain.StageArchivedLoss, domain.StageArchivedWithdrawn},
	domain.StageProposal:           {domain.StageAwarded, domain.StageArchivedLoss},
	domain.StageAwarded:            {domain.StagePreconstruction, domain.StageArchivedLoss},
	domain.StagePreconstruction:    {domain.StageActiveConstruction},
	domain.StageActiveConstruction: {domain.StageCloseout},
	domain.StageCloseout:           {domain.StageComplete},
	domain.StageComplete:           {},
	domain.StageArchivedLoss:       {},
	domain.StageArchivedWithdrawn:  {},
}

// privileged holds the administrative override edges, reachable only when the
// caller carries elevated access (e.g. reopening an archived pursuit).
var privileged = map[domain.Stage][]domain.Stage{
	domain.StageArchivedLoss:      {domain.StageActivePursuit, domain.StageActiveConstruction},
	domain.StageArchivedWithdrawn: {domain.StageProspect},
	domain.StageAwarded:           {domain.StageProposal},
	domain.StageComplete:          {domain.StageCloseout},
}

// Known reports whether s is a member of the stage set.
func Known(s domain.Stage) bool {
	_, ok := transitions[s]
	return ok
}

// Stages lists every stage in lifecycle order.
func Stages() []domain.Stage {
	return []domain.Stage{
		domain.StageProspect,
		domain.StageActivePursuit,
		domain.StageProposal,
		domain.StageAwarded,
		domain.StagePreconstruction,
		domain.StageActiveConstruction,
		domain.StageCloseout,
		domain.StageComplete,
		domain.StageArchivedLoss,
		domain.StageArchivedWithdrawn,
	}
}

// Validate returns nil when the move from one stage to another is legal, or
// a descriptive error otherwise. Privileged callers may additionally use the
// override edges.
func Validate(from, to domain.Stage, isPrivileged bool) error {
	if !Known(from) {
		return fmt.Errorf("unknown stage %q", from)
	}
	if !Known(to) {
		return fmt.Errorf("unknown stage %q", to)
	}
	if from == to {
		return fmt.Errorf("pursuit is already in stage %s", from)
	}
	if contains(transitions[from], to) {
		return nil
	}
	if isPrivileged && contains(privileged[from], to) {
		return nil
	}
	if contains(privileged[from], to) {
		return fmt.Errorf("stage transition %s -> %s requires administrative access", from, to)
	}
	return fmt.Errorf("invalid stage transition %s -> %s", from, to)
}

func contains(set []domain.Stage, s domain.Stage) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
