package model

import "time"

// WorkflowStatus represents the state of an approval workflow
type WorkflowStatus string

const (
	WorkflowStatusPending  WorkflowStatus = "pending"
	WorkflowStatusApproved WorkflowStatus = "approved"
	WorkflowStatusRejected WorkflowStatus = "rejected"
)

// Decision is an approver's verdict
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// ApprovalDecision records one approver's verdict
type ApprovalDecision struct {
	ApproverID string    `json:"approver_id"`
	Decision   Decision  `json:"decision"`
	Comment    string    `json:"comment,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ApprovalWorkflow tracks sequential sign-off for one schedule
type ApprovalWorkflow struct {
	ID                   string             `json:"id"`
	ScheduleID           string             `json:"schedule_id"`
	Approvers            []string           `json:"approvers"`
	CurrentApproverIndex int                `json:"current_approver_index"`
	Decisions            []ApprovalDecision `json:"decisions,omitempty"`
	Status               WorkflowStatus     `json:"status"`
	CreatedAt            time.Time          `json:"created_at"`
	CompletedAt          *time.Time         `json:"completed_at,omitempty"`
}

// CurrentApprover returns the approver whose decision is awaited
func (w *ApprovalWorkflow) CurrentApprover() string {
	if w.CurrentApproverIndex < 0 || w.CurrentApproverIndex >= len(w.Approvers) {
		return ""
	}
	return w.Approvers[w.CurrentApproverIndex]
}

// HasApprover reports whether id is listed on the workflow
func (w *ApprovalWorkflow) HasApprover(id string) bool {
	for _, a := range w.Approvers {
		if a == id {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the workflow
func (w *ApprovalWorkflow) Clone() *ApprovalWorkflow {
	c := *w
	c.Approvers = append([]string(nil), w.Approvers...)
	c.Decisions = append([]ApprovalDecision(nil), w.Decisions...)
	if w.CompletedAt != nil {
		t := *w.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
