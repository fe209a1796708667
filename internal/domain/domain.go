package domain

// Stage is a pursuit lifecycle stage. The legal moves between stages are
// defined by the transition table in internal/stage.
type Stage string

const (
	StageProspect           Stage = "Prospect"
	StageActivePursuit      Stage = "ActivePursuit"
	StageProposal           Stage = "Proposal"
	StageAwarded            Stage = "Awarded"
	StagePreconstruction    Stage = "Preconstruction"
	StageActiveConstruction Stage = "ActiveConstruction"
	StageCloseout           Stage = "Closeout"
	StageComplete           Stage = "Complete"
	StageArchivedLoss       Stage = "ArchivedLoss"
	StageArchivedWithdrawn  Stage = "ArchivedWithdrawn"
)

// Lead is a pursuit record. Server-assigned IDs are positive; a negative ID
// marks a speculative record not yet confirmed by the store.
type Lead struct {
	ID             int64   `json:"id"`
	ProjectCode    string  `json:"project_code"`
	Title          string  `json:"title"`
	Client         string  `json:"client,omitempty"`
	Stage          Stage   `json:"stage" enum:"Prospect,ActivePursuit,Proposal,Awarded,Preconstruction,ActiveConstruction,Closeout,Complete,ArchivedLoss,ArchivedWithdrawn"`
	EstimatedValue float64 `json:"estimated_value,omitempty"`
	Region         string  `json:"region,omitempty"`
	Notes          string  `json:"notes,omitempty"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
}

type EstimatingRecord struct {
	ID          int64   `json:"id"`
	LeadID      int64   `json:"lead_id"`
	ProjectCode string  `json:"project_code"`
	Discipline  string  `json:"discipline"`
	Estimator   string  `json:"estimator,omitempty"`
	Status      string  `json:"status" enum:"draft,in_review,final"`
	Amount      float64 `json:"amount,omitempty"`
	DueDate     string  `json:"due_date,omitempty" format:"date-time"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

type Deliverable struct {
	ID        int64  `json:"id"`
	LeadID    int64  `json:"lead_id"`
	Title     string `json:"title"`
	Owner     string `json:"owner,omitempty"`
	Status    string `json:"status" enum:"open,in_progress,done"`
	DueDate   string `json:"due_date,omitempty" format:"date-time"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// OperationStatus is the state of a site-provisioning operation.
type OperationStatus string

const (
	OperationQueued         OperationStatus = "Queued"
	OperationInProgress     OperationStatus = "InProgress"
	OperationCompleted      OperationStatus = "Completed"
	OperationFailed         OperationStatus = "Failed"
	OperationPartialFailure OperationStatus = "PartialFailure"
)

// Terminal reports whether no further progress is expected.
func (s OperationStatus) Terminal() bool {
	switch s {
	case OperationCompleted, OperationFailed, OperationPartialFailure:
		return true
	}
	return false
}

// ProvisionOperation is a multi-step site-provisioning workflow instance,
// keyed by project code. The runner mutates it as steps complete; it is
// immutable once Status is terminal.
type ProvisionOperation struct {
	ProjectCode    string          `json:"project_code"`
	Status         OperationStatus `json:"status" enum:"Queued,InProgress,Completed,Failed,PartialFailure"`
	TotalSteps     int             `json:"total_steps"`
	CompletedSteps int             `json:"completed_steps"`
	CurrentStep    int             `json:"current_step"`
	FailedStep     *int            `json:"failed_step,omitempty"`
	Error          string          `json:"error,omitempty"`
	SiteURL        string          `json:"site_url,omitempty"`
	CreatedAt      string          `json:"created_at" format:"date-time"`
	UpdatedAt      string          `json:"updated_at" format:"date-time"`
}

// AuditEntry records a confirmed mutation or guarded transition.
type AuditEntry struct {
	ID       int64  `json:"id"`
	Action   string `json:"action"`
	Entity   string `json:"entity"`
	EntityID int64  `json:"entity_id,omitempty"`
	Field    string `json:"field,omitempty"`
	Before   string `json:"before,omitempty"`
	After    string `json:"after,omitempty"`
	Details  string `json:"details,omitempty"`
	ActorID  string `json:"actor_id"`
	TS       string `json:"ts" format:"date-time"`
}
