package engine

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"ballotline/internal/domain"
	"ballotline/internal/engine/auth"
	"ballotline/internal/events"
	"ballotline/internal/notify"
	"ballotline/internal/realtime"
	"ballotline/internal/repo"
)

type InviteCreateOptions struct {
	InstanceID        string
	ProfileID         string
	ProfileEntityType string
	Role              string
	Email             string
	ActorID           string
}

// CreateInvite invites a profile to an instance with a role. A profile holds
// at most one invite per instance.
func (e Engine) CreateInvite(ctx context.Context, opts InviteCreateOptions) (domain.Invite, error) {
	if opts.ProfileID == "" {
		return domain.Invite{}, validation(CodeInvalidRequest, nil, "profile id required")
	}
	role := opts.Role
	if role == "" {
		role = "member"
	}
	if !e.roleKnown(role) {
		return domain.Invite{}, validation(CodeUnknownRole, map[string]any{"role": role}, "unknown role %s", role)
	}
	entityType := opts.ProfileEntityType
	if entityType == "" {
		entityType = "individual"
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Invite{}, infra(err, "begin create invite")
	}
	defer tx.Rollback()

	inst, _, _, err := e.loadInstance(ctx, tx, opts.InstanceID)
	if err != nil {
		return domain.Invite{}, err
	}
	if err := e.require(ctx, tx, inst.ID, opts.ActorID, "invite.create"); err != nil {
		return domain.Invite{}, err
	}
	if existing, err := e.Repo.FindInvite(ctx, tx, inst.ID, opts.ProfileID); err == nil {
		return existing, conflict(CodeInviteExists, "profile %s already invited to %s", opts.ProfileID, inst.ID)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Invite{}, infra(err, "look up invite")
	}
	inv := domain.Invite{
		ID:                uuid.NewString(),
		InstanceID:        inst.ID,
		ProfileID:         opts.ProfileID,
		ProfileEntityType: entityType,
		Role:              role,
		Email:             opts.Email,
		InvitedBy:         opts.ActorID,
		CreatedAt:         e.timestamp(),
	}
	if err := e.Repo.InsertInvite(ctx, tx, inv); err != nil {
		return domain.Invite{}, infra(err, "insert invite")
	}
	mutationID := realtime.NewMutationID()
	if _, err := e.writer().Append(ctx, tx, events.Record{
		Type:       "invite.created",
		InstanceID: inst.ID,
		EntityKind: "invite",
		EntityID:   inv.ID,
		ActorID:    opts.ActorID,
		MutationID: mutationID,
		Channels:   []string{realtime.InstanceChannel(inst.ID)},
		Payload:    events.EventPayload{"inviteId": inv.ID, "profileId": inv.ProfileID, "role": role},
	}); err != nil {
		return domain.Invite{}, infra(err, "record invite.created")
	}
	if err := tx.Commit(); err != nil {
		return domain.Invite{}, infra(err, "commit create invite")
	}
	e.publish(ctx, mutationID)
	e.dispatch(ctx, notify.Notification{
		Kind:       notify.KindInviteCreated,
		InstanceID: inst.ID,
		ProfileID:  inv.ProfileID,
		Email:      inv.Email,
		Role:       role,
		ActorID:    opts.ActorID,
		Data:       map[string]any{"inviteId": inv.ID, "instanceName": inst.Name},
	})
	return inv, nil
}

// AcceptInvite marks the invite accepted and grants its role. Accepting an
// already accepted invite returns it unchanged.
func (e Engine) AcceptInvite(ctx context.Context, inviteID, profileID string) (domain.Invite, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Invite{}, infra(err, "begin accept invite")
	}
	defer tx.Rollback()

	inv, err := e.Repo.GetInvite(ctx, tx, inviteID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Invite{}, notFound(CodeInviteNotFound, "invite %s not found", inviteID)
	}
	if err != nil {
		return domain.Invite{}, infra(err, "load invite %s", inviteID)
	}
	if profileID != inv.ProfileID {
		return domain.Invite{}, forbidden(auth.ForbiddenError{Permission: "invite.accept", InstanceID: inv.InstanceID})
	}
	now := e.timestamp()
	changed, err := e.Repo.MarkInviteAccepted(ctx, tx, inv.ID, now)
	if err != nil {
		return domain.Invite{}, infra(err, "accept invite %s", inv.ID)
	}
	if !changed {
		return inv, nil
	}
	inv.AcceptedOn = &now
	if err := e.Auth.EnsureActor(ctx, tx, profileID); err != nil {
		return domain.Invite{}, infra(err, "ensure actor %s", profileID)
	}
	if err := e.Repo.AssignRole(ctx, tx, inv.InstanceID, profileID, inv.Role); err != nil {
		return domain.Invite{}, infra(err, "grant %s on %s", inv.Role, inv.InstanceID)
	}
	mutationID := realtime.NewMutationID()
	if _, err := e.writer().Append(ctx, tx, events.Record{
		Type:       "invite.accepted",
		InstanceID: inv.InstanceID,
		EntityKind: "invite",
		EntityID:   inv.ID,
		ActorID:    profileID,
		MutationID: mutationID,
		Channels:   []string{realtime.InstanceChannel(inv.InstanceID)},
		Payload:    events.EventPayload{"inviteId": inv.ID, "role": inv.Role},
	}); err != nil {
		return domain.Invite{}, infra(err, "record invite.accepted")
	}
	if err := tx.Commit(); err != nil {
		return domain.Invite{}, infra(err, "commit accept invite")
	}
	e.publish(ctx, mutationID)
	e.dispatch(ctx, notify.Notification{
		Kind:       notify.KindInviteAccepted,
		InstanceID: inv.InstanceID,
		ProfileID:  profileID,
		Email:      inv.Email,
		Role:       inv.Role,
		ActorID:    profileID,
		Data:       map[string]any{"inviteId": inv.ID, "invitedBy": inv.InvitedBy},
	})
	return inv, nil
}

func (e Engine) ListInvites(ctx context.Context, instanceID, actorID string, pendingOnly bool) ([]domain.Invite, error) {
	if _, err := e.GetInstance(ctx, instanceID); err != nil {
		return nil, err
	}
	if err := e.require(ctx, nil, instanceID, actorID, "invite.list"); err != nil {
		return nil, err
	}
	res, err := e.Repo.ListInvites(ctx, nil, instanceID, pendingOnly)
	if err != nil {
		return nil, infra(err, "list invites for %s", instanceID)
	}
	return res, nil
}

// AssignRole grants role to a profile directly, bypassing the invite flow.
func (e Engine) AssignRole(ctx context.Context, instanceID, profileID, role, actorID string) (domain.RoleAssignment, error) {
	if profileID == "" {
		return domain.RoleAssignment{}, validation(CodeInvalidRequest, nil, "profile id required")
	}
	if !e.roleKnown(role) {
		return domain.RoleAssignment{}, validation(CodeUnknownRole, map[string]any{"role": role}, "unknown role %s", role)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.RoleAssignment{}, infra(err, "begin assign role")
	}
	defer tx.Rollback()

	inst, _, _, err := e.loadInstance(ctx, tx, instanceID)
	if err != nil {
		return domain.RoleAssignment{}, err
	}
	if err := e.require(ctx, tx, inst.ID, actorID, "role.assign"); err != nil {
		return domain.RoleAssignment{}, err
	}
	if err := e.Auth.EnsureActor(ctx, tx, profileID); err != nil {
		return domain.RoleAssignment{}, infra(err, "ensure actor %s", profileID)
	}
	if err := e.Repo.AssignRole(ctx, tx, inst.ID, profileID, role); err != nil {
		return domain.RoleAssignment{}, infra(err, "grant %s on %s", role, inst.ID)
	}
	mutationID := realtime.NewMutationID()
	if _, err := e.writer().Append(ctx, tx, events.Record{
		Type:       "role.assigned",
		InstanceID: inst.ID,
		EntityKind: "role",
		EntityID:   profileID,
		ActorID:    actorID,
		MutationID: mutationID,
		Channels:   []string{realtime.InstanceChannel(inst.ID)},
		Payload:    events.EventPayload{"profileId": profileID, "role": role},
	}); err != nil {
		return domain.RoleAssignment{}, infra(err, "record role.assigned")
	}
	if err := tx.Commit(); err != nil {
		return domain.RoleAssignment{}, infra(err, "commit assign role")
	}
	e.publish(ctx, mutationID)
	e.dispatch(ctx, notify.Notification{
		Kind:       notify.KindRoleAssigned,
		InstanceID: inst.ID,
		ProfileID:  profileID,
		Role:       role,
		ActorID:    actorID,
	})
	return domain.RoleAssignment{InstanceID: inst.ID, ProfileID: profileID, Role: role}, nil
}

func (e Engine) ListRoles(ctx context.Context, instanceID string) ([]domain.RoleAssignment, error) {
	if _, err := e.GetInstance(ctx, instanceID); err != nil {
		return nil, err
	}
	res, err := e.Repo.ListRoleAssignments(ctx, nil, instanceID)
	if err != nil {
		return nil, infra(err, "list roles for %s", instanceID)
	}
	return res, nil
}
