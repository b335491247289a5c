package server

import (
	"encoding/json"

	"ballotline/internal/domain"
	"ballotline/internal/engine"
)

// Request payloads

type PhaseScheduleRequest struct {
	PlannedStartDate *string               `json:"planned_start_date,omitempty" format:"date-time"`
	PlannedEndDate   *string               `json:"planned_end_date,omitempty" format:"date-time"`
	Settings         *domain.PhaseSettings `json:"settings,omitempty"`
}

type CreateInstanceRequest struct {
	ID            *string                `json:"id,omitempty"`
	TemplateID    string                 `json:"template_id"`
	Name          *string                `json:"name,omitempty"`
	Budget        *float64               `json:"budget,omitempty"`
	PhaseSchedule []PhaseScheduleRequest `json:"phase_schedule,omitempty"`
	Categories    []string               `json:"categories,omitempty"`
	FieldValues   map[string]any         `json:"field_values,omitempty"`
	Publish       bool                   `json:"publish,omitempty" doc:"Broadcast the new instance on the global channel"`
}

type UpdateInstanceRequest struct {
	ExpectedRevision *int64                 `json:"expected_revision,omitempty"`
	Name             *string                `json:"name,omitempty"`
	Budget           *float64               `json:"budget,omitempty"`
	Categories       []string               `json:"categories,omitempty"`
	PhaseSchedule    []PhaseScheduleRequest `json:"phase_schedule,omitempty"`
	FieldValues      map[string]any         `json:"field_values,omitempty"`
}

type SubmitProposalRequest struct {
	ID               *string        `json:"id,omitempty"`
	AuthorEntityType string         `json:"author_entity_type,omitempty" enum:"individual,organization"`
	Title            string         `json:"title"`
	DocumentRef      string         `json:"document_ref,omitempty"`
	Content          map[string]any `json:"content,omitempty"`
	CategoryIDs      []string       `json:"category_ids,omitempty"`
	Budget           *float64       `json:"budget,omitempty"`
}

type ReviewProposalRequest struct {
	Decision string `json:"decision" enum:"accepted,rejected"`
}

type CastBallotRequest struct {
	ProposalIDs []string `json:"proposal_ids"`
}

type CreateInviteRequest struct {
	ProfileID         string `json:"profile_id"`
	ProfileEntityType string `json:"profile_entity_type,omitempty" enum:"individual,organization"`
	Role              string `json:"role,omitempty" enum:"member,admin"`
	Email             string `json:"email,omitempty"`
}

type AssignRoleRequest struct {
	ProfileID string `json:"profile_id"`
	Role      string `json:"role"`
}

type DevLoginRequest struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// Response payloads

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Source      string   `json:"source"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

type InstanceResponse struct {
	domain.Instance
	CurrentPhaseEndsAt *string `json:"current_phase_ends_at,omitempty" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	InstanceID string         `json:"instance_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	MutationID string         `json:"mutation_id,omitempty"`
	Payload    map[string]any `json:"payload"`
}

type TickResponse struct {
	Processed int      `json:"processed"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors"`
}

type FlushResponse struct {
	Published int    `json:"published"`
	Error     string `json:"error,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func scheduleInputs(in []PhaseScheduleRequest) []engine.PhaseScheduleInput {
	if in == nil {
		return nil
	}
	out := make([]engine.PhaseScheduleInput, len(in))
	for i, s := range in {
		out[i] = engine.PhaseScheduleInput(s)
	}
	return out
}

func instanceResponse(inst domain.Instance) InstanceResponse {
	inst.Phases = nonNilSlice(inst.Phases)
	return InstanceResponse{Instance: inst, CurrentPhaseEndsAt: inst.CurrentPhaseEndsAt()}
}

func mapInstances(items []domain.Instance) []InstanceResponse {
	out := make([]InstanceResponse, 0, len(items))
	for _, inst := range items {
		out = append(out, instanceResponse(inst))
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		InstanceID: e.InstanceID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		MutationID: e.MutationID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil || out == nil {
		return map[string]any{"raw": raw}
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
