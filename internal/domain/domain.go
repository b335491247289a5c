package domain

// Template is an immutable multi-phase process definition loaded from config.
type Template struct {
	ID             string         `json:"id" yaml:"id"`
	Name           string         `json:"name" yaml:"name"`
	Description    string         `json:"description,omitempty" yaml:"description"`
	Phases         []Phase        `json:"phases" yaml:"phases"`
	ProposalSchema ProposalSchema `json:"proposal_schema" yaml:"proposal_schema"`
}

type Phase struct {
	ID        string                `json:"id" yaml:"id"`
	Name      string                `json:"name,omitempty" yaml:"name"`
	Rules     PhaseRules            `json:"rules" yaml:"rules"`
	Settings  PhaseSettings         `json:"settings" yaml:"settings"`
	Selection []SelectionStepConfig `json:"selection,omitempty" yaml:"selection"`
}

type PhaseRules struct {
	ProposalSubmission bool `json:"proposal_submission" yaml:"proposal_submission"`
	Voting             bool `json:"voting" yaml:"voting"`
	AdminReview        bool `json:"admin_review" yaml:"admin_review"`
}

type PhaseSettings struct {
	Budget            *float64 `json:"budget,omitempty" yaml:"budget"`
	Categories        []string `json:"categories,omitempty" yaml:"categories"`
	MaxVotesPerMember int      `json:"max_votes_per_member,omitempty" yaml:"max_votes_per_member"`
}

type SelectionStepConfig struct {
	Kind   string   `json:"kind" yaml:"kind"`
	Min    int      `json:"min,omitempty" yaml:"min"`
	N      int      `json:"n,omitempty" yaml:"n"`
	Budget *float64 `json:"budget,omitempty" yaml:"budget"`
}

type ProposalSchema struct {
	Required   []string                  `json:"required,omitempty" yaml:"required"`
	Properties map[string]SchemaProperty `json:"properties,omitempty" yaml:"properties"`
}

type SchemaProperty struct {
	Type    string   `json:"type,omitempty" yaml:"type"`
	Maximum *float64 `json:"maximum,omitempty" yaml:"maximum"`
}

// PhaseIndex returns the position of phaseID in the template, or -1.
func (t Template) PhaseIndex(phaseID string) int {
	for i, p := range t.Phases {
		if p.ID == phaseID {
			return i
		}
	}
	return -1
}

func (t Template) Phase(phaseID string) (Phase, bool) {
	if i := t.PhaseIndex(phaseID); i >= 0 {
		return t.Phases[i], true
	}
	return Phase{}, false
}

// NextPhaseID returns the phase following phaseID. ok is false for the last phase.
func (t Template) NextPhaseID(phaseID string) (string, bool) {
	i := t.PhaseIndex(phaseID)
	if i < 0 || i+1 >= len(t.Phases) {
		return "", false
	}
	return t.Phases[i+1].ID, true
}

func (t Template) IsTerminal(phaseID string) bool {
	return len(t.Phases) > 0 && t.Phases[len(t.Phases)-1].ID == phaseID
}

type Instance struct {
	ID             string          `json:"id"`
	TemplateID     string          `json:"template_id"`
	Name           string          `json:"name"`
	CurrentPhaseID string          `json:"current_phase_id"`
	Phases         []PhaseSchedule `json:"phases"`
	Budget         *float64        `json:"budget,omitempty"`
	Categories     []string        `json:"categories,omitempty"`
	FieldValues    map[string]any  `json:"field_values,omitempty"`
	Revision       int64           `json:"revision"`
	CompletedAt    *string         `json:"completed_at,omitempty" format:"date-time"`
	CreatedBy      string          `json:"created_by"`
	CreatedAt      string          `json:"created_at" format:"date-time"`
	UpdatedAt      string          `json:"updated_at" format:"date-time"`
}

type PhaseSchedule struct {
	PhaseID          string         `json:"phase_id"`
	PlannedStartDate *string        `json:"planned_start_date,omitempty" format:"date-time"`
	PlannedEndDate   *string        `json:"planned_end_date,omitempty" format:"date-time"`
	Settings         *PhaseSettings `json:"settings,omitempty"`
}

// Schedule returns the schedule entry for phaseID.
func (i Instance) Schedule(phaseID string) (PhaseSchedule, bool) {
	for _, s := range i.Phases {
		if s.PhaseID == phaseID {
			return s, true
		}
	}
	return PhaseSchedule{}, false
}

// CurrentPhaseEndsAt is the planned end of the current phase, nil when open-ended.
func (i Instance) CurrentPhaseEndsAt() *string {
	if s, ok := i.Schedule(i.CurrentPhaseID); ok {
		return s.PlannedEndDate
	}
	return nil
}

type Proposal struct {
	ID               string         `json:"id"`
	InstanceID       string         `json:"instance_id"`
	AuthorProfileID  string         `json:"author_profile_id"`
	AuthorEntityType string         `json:"author_entity_type" enum:"individual,organization"`
	Title            string         `json:"title"`
	DocumentRef      string         `json:"document_ref,omitempty"`
	Content          map[string]any `json:"content,omitempty"`
	CategoryIDs      []string       `json:"category_ids,omitempty"`
	Budget           *float64       `json:"budget,omitempty"`
	SubmittedPhaseID string         `json:"submitted_phase_id"`
	ReviewDecision   string         `json:"review_decision,omitempty" enum:"accepted,rejected"`
	CreatedAt        string         `json:"created_at" format:"date-time"`
	UpdatedAt        string         `json:"updated_at" format:"date-time"`
}

type Ballot struct {
	InstanceID      string   `json:"instance_id"`
	PhaseID         string   `json:"phase_id"`
	MemberProfileID string   `json:"member_profile_id"`
	ProposalIDs     []string `json:"proposal_ids"`
	CastAt          string   `json:"cast_at" format:"date-time"`
}

type Invite struct {
	ID                string  `json:"id"`
	InstanceID        string  `json:"instance_id"`
	ProfileID         string  `json:"profile_id"`
	ProfileEntityType string  `json:"profile_entity_type" enum:"individual,organization"`
	Role              string  `json:"role" enum:"member,admin"`
	Email             string  `json:"email,omitempty"`
	InvitedBy         string  `json:"invited_by"`
	CreatedAt         string  `json:"created_at" format:"date-time"`
	AcceptedOn        *string `json:"accepted_on,omitempty" format:"date-time"`
}

func (i Invite) Pending() bool { return i.AcceptedOn == nil }

const (
	OutcomeCarriedForward = "carried-forward"
	OutcomeFunded         = "funded"
	OutcomeRejected       = "rejected"
)

type SelectionOutcome struct {
	InstanceID string  `json:"instance_id"`
	PhaseID    string  `json:"phase_id"`
	ProposalID string  `json:"proposal_id"`
	Outcome    string  `json:"outcome" enum:"carried-forward,funded,rejected"`
	Rank       int     `json:"rank"`
	Votes      int     `json:"votes"`
	Budget     float64 `json:"budget"`
}

type ResultsStats struct {
	InstanceID      string  `json:"instance_id"`
	Mode            string  `json:"mode" enum:"open,closed,none"`
	PhaseID         string  `json:"phase_id,omitempty"`
	MembersVoted    int     `json:"members_voted"`
	ProposalsFunded int     `json:"proposals_funded"`
	TotalAllocated  float64 `json:"total_allocated"`
	Tallies         []Tally `json:"tallies"`
}

type Tally struct {
	ProposalID string `json:"proposal_id"`
	Votes      int    `json:"votes"`
}

type RoleAssignment struct {
	InstanceID string `json:"instance_id"`
	ProfileID  string `json:"profile_id"`
	Role       string `json:"role"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	InstanceID string `json:"instance_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	MutationID string `json:"mutation_id,omitempty"`
	Payload    string `json:"payload"`
}

// OutboxEntry is one pending invalidation: an event fanned out to a channel.
type OutboxEntry struct {
	ID          int64   `json:"id"`
	EventID     int64   `json:"event_id"`
	EventType   string  `json:"event_type"`
	InstanceID  string  `json:"instance_id,omitempty"`
	Channel     string  `json:"channel"`
	MutationID  string  `json:"mutation_id"`
	Payload     string  `json:"payload"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	PublishedAt *string `json:"published_at,omitempty" format:"date-time"`
	Attempts    int     `json:"attempts"`
}

type APIKey struct {
	ID         string  `json:"id"`
	ActorID    string  `json:"actor_id"`
	Name       string  `json:"name,omitempty"`
	KeyHash    string  `json:"-"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	LastUsedAt *string `json:"last_used_at,omitempty" format:"date-time"`
}
