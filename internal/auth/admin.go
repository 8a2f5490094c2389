package auth

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"tenantgate.dev/internal/audit"
	"tenantgate.dev/internal/errs"
	"tenantgate.dev/internal/ids"
)

// Deactivate disables an actor and revokes all of its sessions.
func (s *Service) Deactivate(ctx context.Context, actorID string) (Actor, error) {
	return s.setActive(ctx, actorID, false)
}

// Reactivate enables a previously deactivated actor.
func (s *Service) Reactivate(ctx context.Context, actorID string) (Actor, error) {
	return s.setActive(ctx, actorID, true)
}

func (s *Service) setActive(ctx context.Context, actorID string, active bool) (Actor, error) {
	actorID = strings.TrimSpace(actorID)
	if err := ids.Check("actor_id", actorID); err != nil {
		return Actor{}, err
	}
	actor, err := s.store.SetActorActive(ctx, actorID, active, s.now())
	if err != nil {
		return Actor{}, err
	}
	action := "actor.reactivate"
	if !active {
		action = "actor.deactivate"
		s.revokeSessions(ctx, actorID)
	}
	s.recorder.Record(ctx, audit.Entry{Action: action, EntityType: "actor", EntityID: actorID})
	return actor, nil
}

// DeleteActor soft-deletes an actor. Deleting an already deleted actor
// returns errs.ErrNotFound.
func (s *Service) DeleteActor(ctx context.Context, actorID string) error {
	actorID = strings.TrimSpace(actorID)
	if err := ids.Check("actor_id", actorID); err != nil {
		return err
	}
	if err := s.store.SoftDeleteActor(ctx, actorID, s.now()); err != nil {
		return err
	}
	s.revokeSessions(ctx, actorID)
	s.recorder.Record(ctx, audit.Entry{Action: "actor.delete", EntityType: "actor", EntityID: actorID})
	return nil
}

// PurgeActor permanently removes an actor with its assignments and tokens.
func (s *Service) PurgeActor(ctx context.Context, actorID string) error {
	actorID = strings.TrimSpace(actorID)
	if err := ids.Check("actor_id", actorID); err != nil {
		return err
	}
	if err := s.store.PurgeActor(ctx, actorID); err != nil {
		return err
	}
	s.recorder.Record(ctx, audit.Entry{Action: "actor.purge", EntityType: "actor", EntityID: actorID})
	return nil
}

// Assign links an actor to a tenant with active status.
func (s *Service) Assign(ctx context.Context, actorID, tenantID string) (Assignment, error) {
	actorID = strings.TrimSpace(actorID)
	tenantID = strings.TrimSpace(tenantID)
	if err := ids.Check("actor_id", actorID); err != nil {
		return Assignment{}, err
	}
	if tenantID == "" {
		return Assignment{}, fmt.Errorf("%w: tenant_id is required", errs.ErrValidation)
	}
	actor, err := s.store.FindActor(ctx, actorID)
	if err != nil {
		return Assignment{}, err
	}
	if actor.State.IsDeleted() {
		return Assignment{}, errs.ErrNotFound
	}
	assignment, err := s.store.CreateAssignment(ctx, Assignment{
		ActorID:  actorID,
		TenantID: tenantID,
		Status:   AssignmentActive,
	})
	if err != nil {
		return Assignment{}, err
	}
	s.recorder.Record(ctx, audit.Entry{
		Action:     "assignment.create",
		EntityType: "assignment",
		EntityID:   assignment.ID,
		Reason:     "tenant " + tenantID,
	})
	return assignment, nil
}

// SetAssignmentStatus activates or suspends an assignment.
func (s *Service) SetAssignmentStatus(ctx context.Context, assignmentID, status string) (Assignment, error) {
	assignmentID = strings.TrimSpace(assignmentID)
	if err := ids.Check("assignment_id", assignmentID); err != nil {
		return Assignment{}, err
	}
	st, err := ParseAssignmentStatus(status)
	if err != nil {
		return Assignment{}, err
	}
	assignment, err := s.store.SetAssignmentStatus(ctx, assignmentID, st, s.now())
	if err != nil {
		return Assignment{}, err
	}
	s.recorder.Record(ctx, audit.Entry{
		Action:     "assignment." + string(st),
		EntityType: "assignment",
		EntityID:   assignmentID,
	})
	return assignment, nil
}

// RemoveAssignment soft-deletes an assignment. Removing it twice returns
// errs.ErrNotFound.
func (s *Service) RemoveAssignment(ctx context.Context, assignmentID string) error {
	assignmentID = strings.TrimSpace(assignmentID)
	if err := ids.Check("assignment_id", assignmentID); err != nil {
		return err
	}
	if err := s.store.SoftDeleteAssignment(ctx, assignmentID, s.now()); err != nil {
		return err
	}
	s.recorder.Record(ctx, audit.Entry{Action: "assignment.delete", EntityType: "assignment", EntityID: assignmentID})
	return nil
}

// Assignments lists an actor's assignments.
func (s *Service) Assignments(ctx context.Context, actorID string) ([]Assignment, error) {
	if err := ids.Check("actor_id", actorID); err != nil {
		return nil, err
	}
	return s.store.ListAssignments(ctx, actorID)
}

func (s *Service) revokeSessions(ctx context.Context, actorID string) {
	if err := s.refresher.RevokeAll(ctx, actorID); err != nil {
		s.logger.Error("revoke actor sessions failed", zap.String("actor_id", actorID), zap.Error(err))
	}
}
