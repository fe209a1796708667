package server

import (
	"siteline/internal/domain"
	"siteline/internal/provision"
)

// LeadRequest carries the writable fields of a pursuit.
type LeadRequest struct {
	ProjectCode    string       `json:"project_code"`
	Title          string       `json:"title"`
	Client         string       `json:"client,omitempty"`
	Stage          domain.Stage `json:"stage,omitempty" enum:"Prospect,ActivePursuit,Proposal,Awarded,Preconstruction,ActiveConstruction,Closeout,Complete,ArchivedLoss,ArchivedWithdrawn"`
	EstimatedValue float64      `json:"estimated_value,omitempty"`
	Region         string       `json:"region,omitempty"`
	Notes          string       `json:"notes,omitempty"`
}

func (r LeadRequest) toDomain() domain.Lead {
	return domain.Lead{
		ProjectCode:    r.ProjectCode,
		Title:          r.Title,
		Client:         r.Client,
		Stage:          r.Stage,
		EstimatedValue: r.EstimatedValue,
		Region:         r.Region,
		Notes:          r.Notes,
	}
}

// StageRequest moves a pursuit to a new lifecycle stage.
type StageRequest struct {
	Stage domain.Stage `json:"stage" enum:"Prospect,ActivePursuit,Proposal,Awarded,Preconstruction,ActiveConstruction,Closeout,Complete,ArchivedLoss,ArchivedWithdrawn"`
}

type EstimatingRequest struct {
	LeadID      int64   `json:"lead_id"`
	ProjectCode string  `json:"project_code,omitempty"`
	Discipline  string  `json:"discipline"`
	Estimator   string  `json:"estimator,omitempty"`
	Status      string  `json:"status,omitempty" enum:"draft,in_review,final"`
	Amount      float64 `json:"amount,omitempty"`
	DueDate     string  `json:"due_date,omitempty" format:"date-time"`
}

func (r EstimatingRequest) toDomain() domain.EstimatingRecord {
	return domain.EstimatingRecord{
		LeadID:      r.LeadID,
		ProjectCode: r.ProjectCode,
		Discipline:  r.Discipline,
		Estimator:   r.Estimator,
		Status:      r.Status,
		Amount:      r.Amount,
		DueDate:     r.DueDate,
	}
}

type DeliverableRequest struct {
	LeadID  int64  `json:"lead_id"`
	Title   string `json:"title"`
	Owner   string `json:"owner,omitempty"`
	Status  string `json:"status,omitempty" enum:"open,in_progress,done"`
	DueDate string `json:"due_date,omitempty" format:"date-time"`
}

func (r DeliverableRequest) toDomain() domain.Deliverable {
	return domain.Deliverable{
		LeadID:  r.LeadID,
		Title:   r.Title,
		Owner:   r.Owner,
		Status:  r.Status,
		DueDate: r.DueDate,
	}
}

// RetryRequest resumes a failed provisioning run at a step.
type RetryRequest struct {
	Step int `json:"step" minimum:"1" maximum:"7"`
}

// StepView is the rendered state of one provisioning step.
type StepView struct {
	Index int    `json:"index"`
	Label string `json:"label"`
	State string `json:"state" enum:"pending,current,done,failed"`
}

// ProvisionResponse is the operation record plus derived step states.
type ProvisionResponse struct {
	domain.ProvisionOperation
	Steps []StepView `json:"steps"`
}

func provisionResponse(op domain.ProvisionOperation) ProvisionResponse {
	steps := provision.Steps(op)
	views := make([]StepView, len(steps))
	for i, s := range steps {
		views[i] = StepView{Index: s.Index, Label: s.Label, State: string(s.State)}
	}
	return ProvisionResponse{ProvisionOperation: op, Steps: views}
}
