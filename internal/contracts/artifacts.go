package contracts

// Source types for evidence pointers.
const (
	SourceConversationLog = "conversation_log"
	SourceAnalytics       = "analytics"
	SourceVersionControl  = "version_control"
	SourceCodebase        = "codebase"
	SourceInternalDoc     = "internal_doc"
	SourceOther           = "other"
)

// EvidencePointer is a best-effort provenance reference. It is never checked
// against the originating system.
type EvidencePointer struct {
	SourceType  string         `json:"source_type" validate:"required,oneof=conversation_log analytics version_control codebase internal_doc other"`
	SourceID    string         `json:"source_id" validate:"required"`
	RetrievedAt string         `json:"retrieved_at,omitempty"`
	Confidence  string         `json:"confidence,omitempty" validate:"omitempty,oneof=high medium low"`
	Extra       map[string]any `json:"-"`
}

func (p EvidencePointer) MarshalJSON() ([]byte, error) {
	type plain EvidencePointer
	return encodeOpen(plain(p), p.Extra)
}

func (p *EvidencePointer) UnmarshalJSON(data []byte) error {
	type plain EvidencePointer
	var v plain
	extra, err := decodeOpen(data, &v)
	if err != nil {
		return err
	}
	*p = EvidencePointer(v)
	p.Extra = extra
	return nil
}

// Finding is one exploration observation. Its source is attributable through
// the evidence pointers it carries.
type Finding struct {
	Description string            `json:"description" validate:"required"`
	Category    string            `json:"category,omitempty"`
	Frequency   int               `json:"frequency,omitempty" validate:"gte=0"`
	Evidence    []EvidencePointer `json:"evidence" validate:"required,min=1,dive"`
	Extra       map[string]any    `json:"-"`
}

func (f Finding) MarshalJSON() ([]byte, error) {
	type plain Finding
	return encodeOpen(plain(f), f.Extra)
}

func (f *Finding) UnmarshalJSON(data []byte) error {
	type plain Finding
	var v plain
	extra, err := decodeOpen(data, &v)
	if err != nil {
		return err
	}
	*f = Finding(v)
	f.Extra = extra
	return nil
}

// Coverage summarizes how much of a source was examined.
type Coverage struct {
	TimeWindowDays         int            `json:"time_window_days" validate:"gte=0"`
	ConversationsAvailable int            `json:"conversations_available" validate:"gte=0"`
	ConversationsReviewed  int            `json:"conversations_reviewed" validate:"gte=0"`
	ConversationsSkipped   int            `json:"conversations_skipped" validate:"gte=0"`
	Extra                  map[string]any `json:"-"`
}

func (c Coverage) MarshalJSON() ([]byte, error) {
	type plain Coverage
	return encodeOpen(plain(c), c.Extra)
}

func (c *Coverage) UnmarshalJSON(data []byte) error {
	type plain Coverage
	var v plain
	extra, err := decodeOpen(data, &v)
	if err != nil {
		return err
	}
	*c = Coverage(v)
	c.Extra = extra
	return nil
}

// ExplorationCheckpoint is the merged output of every exploration source.
type ExplorationCheckpoint struct {
	Findings []Finding      `json:"findings" validate:"dive"`
	Coverage Coverage       `json:"coverage"`
	Usage    map[string]int `json:"usage,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Extra    map[string]any `json:"-"`
}

func (c ExplorationCheckpoint) MarshalJSON() ([]byte, error) {
	type plain ExplorationCheckpoint
	if c.Findings == nil {
		c.Findings = []Finding{}
	}
	return encodeOpen(plain(c), c.Extra)
}

func (c *ExplorationCheckpoint) UnmarshalJSON(data []byte) error {
	type plain ExplorationCheckpoint
	var v plain
	extra, err := decodeOpen(data, &v)
	if err != nil {
		return err
	}
	*c = ExplorationCheckpoint(v)
	c.Extra = extra
	return nil
}

type OpportunityBrief struct {
	OpportunityID    string            `json:"opportunity_id" validate:"required"`
	ProblemStatement string            `json:"problem_statement" validate:"required"`
	AffectedUsers    string            `json:"affected_users,omitempty"`
	Counterfactual   string            `json:"counterfactual,omitempty"`
	Evidence         []EvidencePointer `json:"evidence" validate:"required,min=1,dive"`
	Extra            map[string]any    `json:"-"`
}

func (b OpportunityBrief) MarshalJSON() ([]byte, error) {
	type plain OpportunityBrief
	return encodeOpen(plain(b), b.Extra)
}

func (b *OpportunityBrief) UnmarshalJSON(data []byte) error {
	type plain OpportunityBrief
	var v plain
	extra, err := decodeOpen(data, &v)
	if err != nil {
		return err
	}
	*b = OpportunityBrief(v)
	b.Extra = extra
	return nil
}

type OpportunityFramingCheckpoint struct {
	Briefs []OpportunityBrief `json:"opportunity_briefs" validate:"required,min=1,dive"`
	Extra  map[string]any     `json:"-"`
}

func (c OpportunityFramingCheckpoint) MarshalJSON() ([]byte, error) {
	type plain OpportunityFramingCheckpoint
	return encodeOpen(plain(c), c.Extra)
}

func (c *OpportunityFramingCheckpoint) UnmarshalJSON(data []byte) error {
	type plain OpportunityFramingCheckpoint
	var v plain
	extra, err := decodeOpen(data, &v)
	if err != nil {
		return err
	}
	*c = OpportunityFramingCheckpoint(v)
	c.Extra = extra
	return nil
}

// Challenge records a validator pushback in a solution-design round.
type Challenge struct {
	Round    int    `json:"round"`
	Reason   string `json:"reason"`
	Critique string `json:"critique,omitempty"`
}

type SolutionBrief struct {
	OpportunityID       string            `json:"opportunity_id" validate:"required"`
	ProposedSolution    string            `json:"proposed_solution" validate:"required"`
	ExperimentPlan      string            `json:"experiment_plan,omitempty"`
	SuccessMetrics      []string          `json:"success_metrics,omitempty"`
	ValidatorAssessment string            `json:"validator_assessment,omitempty"`
	ImpactLevel         string            `json:"impact_level,omitempty"`
	ImpactDirection     string            `json:"impact_direction,omitempty"`
	EngagementDepth     string            `json:"engagement_depth,omitempty"`
	Evidence            []EvidencePointer `json:"evidence,omitempty" validate:"dive"`
	Rounds              int               `json:"rounds" validate:"gte=0"`
	ConvergenceForced   bool              `json:"convergence_forced"`
	ConvergenceNote     string            `json:"convergence_note,omitempty"`
	Challenges          []Challenge       `json:"challenges,omitempty"`
	Extra               map[string]any    `json:"-"`
}

func (b SolutionBrief) MarshalJSON() ([]byte, error) {
	type plain SolutionBrief
	return encodeOpen(plain(b), b.Extra)
}

func (b *SolutionBrief) UnmarshalJSON(data []byte) error {
	type plain SolutionBrief
	var v plain
	extra, err := decodeOpen(data, &v)
	if err != nil {
		return err
	}
	*b = SolutionBrief(v)
	b.Extra = extra
	return nil
}

type SolutionValidationCheckpoint struct {
	Solutions []SolutionBrief `json:"solution_briefs" validate:"required,min=1,dive"`
	Extra     map[string]any  `json:"-"`
}

func (c SolutionValidationCheckpoint) MarshalJSON() ([]byte, error) {
	type plain SolutionValidationCheckpoint
	return encodeOpen(plain(c), c.Extra)
}

func (c *SolutionValidationCheckpoint) UnmarshalJSON(data []byte) error {
	type plain SolutionValidationCheckpoint
	var v plain
	extra, err := decodeOpen(data, &v)
	if err != nil {
		return err
	}
	*c = SolutionValidationCheckpoint(v)
	c.Extra = extra
	return nil
}

// Risk severities, ordered from least to most severe.
const (
	RiskLow      = "low"
	RiskMedium   = "medium"
	RiskHigh     = "high"
	RiskCritical = "critical"
)

type Risk struct {
	Description string         `json:"description" validate:"required"`
	Severity    string         `json:"severity" validate:"required,oneof=low medium high critical"`
	Mitigation  string         `json:"mitigation,omitempty"`
	Extra       map[string]any `json:"-"`
}

func (r Risk) MarshalJSON() ([]byte, error) {
	type plain Risk
	return encodeOpen(plain(r), r.Extra)
}

func (r *Risk) UnmarshalJSON(data []byte) error {
	type plain Risk
	var v plain
	extra, err := decodeOpen(data, &v)
	if err != nil {
		return err
	}
	*r = Risk(v)
	r.Extra = extra
	return nil
}

type TechnicalSpec struct {
	OpportunityID     string         `json:"opportunity_id" validate:"required"`
	Approach          string         `json:"approach" validate:"required"`
	EffortEstimate    string         `json:"effort_estimate" validate:"required"`
	Dependencies      []string       `json:"dependencies,omitempty"`
	Risks             []Risk         `json:"risks" validate:"required,min=1,dive"`
	OverallRisk       string         `json:"overall_risk,omitempty" validate:"omitempty,oneof=low medium high critical"`
	RolloutNotes      string         `json:"rollout_notes,omitempty"`
	RegressionNotes   string         `json:"regression_notes,omitempty"`
	TestScope         string         `json:"test_scope,omitempty"`
	Rounds            int            `json:"rounds" validate:"gte=0"`
	ConvergenceForced bool           `json:"convergence_forced"`
	Extra             map[string]any `json:"-"`
}

func (s TechnicalSpec) MarshalJSON() ([]byte, error) {
	type plain TechnicalSpec
	return encodeOpen(plain(s), s.Extra)
}

func (s *TechnicalSpec) UnmarshalJSON(data []byte) error {
	type plain TechnicalSpec
	var v plain
	extra, err := decodeOpen(data, &v)
	if err != nil {
		return err
	}
	*s = TechnicalSpec(v)
	s.Extra = extra
	return nil
}

// InfeasibleSolution records a solution the feasibility loop rejected.
type InfeasibleSolution struct {
	OpportunityID string         `json:"opportunity_id" validate:"required"`
	Reason        string         `json:"reason" validate:"required"`
	Constraints   []string       `json:"constraints,omitempty"`
	Rounds        int            `json:"rounds" validate:"gte=0"`
	Forced        bool           `json:"forced"`
	Extra         map[string]any `json:"-"`
}

func (s InfeasibleSolution) MarshalJSON() ([]byte, error) {
	type plain InfeasibleSolution
	return encodeOpen(plain(s), s.Extra)
}

func (s *InfeasibleSolution) UnmarshalJSON(data []byte) error {
	type plain InfeasibleSolution
	var v plain
	extra, err := decodeOpen(data, &v)
	if err != nil {
		return err
	}
	*s = InfeasibleSolution(v)
	s.Extra = extra
	return nil
}

type FeasibilityCheckpoint struct {
	Specs      []TechnicalSpec      `json:"specs" validate:"dive"`
	Infeasible []InfeasibleSolution `json:"infeasible,omitempty" validate:"dive"`
	Extra      map[string]any       `json:"-"`
}

func (c FeasibilityCheckpoint) MarshalJSON() ([]byte, error) {
	type plain FeasibilityCheckpoint
	if c.Specs == nil {
		c.Specs = []TechnicalSpec{}
	}
	return encodeOpen(plain(c), c.Extra)
}

func (c *FeasibilityCheckpoint) UnmarshalJSON(data []byte) error {
	type plain FeasibilityCheckpoint
	var v plain
	extra, err := decodeOpen(data, &v)
	if err != nil {
		return err
	}
	*c = FeasibilityCheckpoint(v)
	c.Extra = extra
	return nil
}

type RankingEntry struct {
	OpportunityID   string         `json:"opportunity_id" validate:"required"`
	RecommendedRank int            `json:"recommended_rank" validate:"gte=1"`
	Rationale       string         `json:"rationale" validate:"required"`
	AutoAppended    bool           `json:"auto_appended,omitempty"`
	Extra           map[string]any `json:"-"`
}

func (e RankingEntry) MarshalJSON() ([]byte, error) {
	type plain RankingEntry
	return encodeOpen(plain(e), e.Extra)
}

func (e *RankingEntry) UnmarshalJSON(data []byte) error {
	type plain RankingEntry
	var v plain
	extra, err := decodeOpen(data, &v)
	if err != nil {
		return err
	}
	*e = RankingEntry(v)
	e.Extra = extra
	return nil
}

type PrioritizationCheckpoint struct {
	Rankings []RankingEntry `json:"rankings" validate:"required,min=1,dive"`
	Extra    map[string]any `json:"-"`
}

func (c PrioritizationCheckpoint) MarshalJSON() ([]byte, error) {
	type plain PrioritizationCheckpoint
	return encodeOpen(plain(c), c.Extra)
}

func (c *PrioritizationCheckpoint) UnmarshalJSON(data []byte) error {
	type plain PrioritizationCheckpoint
	var v plain
	extra, err := decodeOpen(data, &v)
	if err != nil {
		return err
	}
	*c = PrioritizationCheckpoint(v)
	c.Extra = extra
	return nil
}

// Review decisions.
const (
	DecisionApprove  = "approve"
	DecisionReject   = "reject"
	DecisionDefer    = "defer"
	DecisionSendBack = "send_back"
)

type ReviewDecision struct {
	OpportunityID    string         `json:"opportunity_id" validate:"required"`
	Decision         string         `json:"decision" validate:"required,oneof=approve reject defer send_back"`
	Reasoning        string         `json:"reasoning" validate:"required"`
	AdjustedPriority *int           `json:"adjusted_priority,omitempty" validate:"omitempty,gte=1"`
	SendBackToStage  string         `json:"send_back_to_stage,omitempty" validate:"required_if=Decision send_back"`
	Reviewer         string         `json:"reviewer,omitempty"`
	DecidedAt        string         `json:"decided_at,omitempty"`
	Extra            map[string]any `json:"-"`
}

func (d ReviewDecision) MarshalJSON() ([]byte, error) {
	type plain ReviewDecision
	return encodeOpen(plain(d), d.Extra)
}

func (d *ReviewDecision) UnmarshalJSON(data []byte) error {
	type plain ReviewDecision
	var v plain
	extra, err := decodeOpen(data, &v)
	if err != nil {
		return err
	}
	*d = ReviewDecision(v)
	d.Extra = extra
	return nil
}

type HumanReviewCheckpoint struct {
	Decisions []ReviewDecision `json:"decisions" validate:"required,min=1,dive"`
	Extra     map[string]any   `json:"-"`
}

func (c HumanReviewCheckpoint) MarshalJSON() ([]byte, error) {
	type plain HumanReviewCheckpoint
	if c.Decisions == nil {
		c.Decisions = []ReviewDecision{}
	}
	return encodeOpen(plain(c), c.Extra)
}

func (c *HumanReviewCheckpoint) UnmarshalJSON(data []byte) error {
	type plain HumanReviewCheckpoint
	var v plain
	extra, err := decodeOpen(data, &v)
	if err != nil {
		return err
	}
	*c = HumanReviewCheckpoint(v)
	c.Extra = extra
	return nil
}

// Upsert replaces the decision for d.OpportunityID or appends it.
func (c *HumanReviewCheckpoint) Upsert(d ReviewDecision) {
	for i := range c.Decisions {
		if c.Decisions[i].OpportunityID == d.OpportunityID {
			c.Decisions[i] = d
			return
		}
	}
	c.Decisions = append(c.Decisions, d)
}
