package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/content-scheduler/internal/model"
)

// ApprovalManager tracks sequential multi-approver sign-off, one workflow per schedule
type ApprovalManager struct {
	logger     *zap.Logger
	now        func() time.Time
	mu         sync.RWMutex
	workflows  map[string]*model.ApprovalWorkflow // workflow ID -> workflow
	bySchedule map[string]string                  // schedule ID -> workflow ID
}

// NewApprovalManager creates a new approval manager
func NewApprovalManager(now func() time.Time, logger *zap.Logger) *ApprovalManager {
	if now == nil {
		now = time.Now
	}
	return &ApprovalManager{
		logger:     logger.Named("approval-manager"),
		now:        now,
		workflows:  make(map[string]*model.ApprovalWorkflow),
		bySchedule: make(map[string]string),
	}
}

// Create opens a pending workflow for the schedule, replacing any earlier one
func (m *ApprovalManager) Create(scheduleID string, approvers []string) (*model.ApprovalWorkflow, error) {
	verr := &ValidationError{}
	if len(approvers) == 0 {
		verr.add("approvers", "at least one approver is required")
	}
	seen := make(map[string]bool, len(approvers))
	for _, a := range approvers {
		if a == "" {
			verr.add("approvers", "approver ID must not be empty")
			continue
		}
		if seen[a] {
			verr.add("approvers", fmt.Sprintf("approver %s is listed twice", a))
		}
		seen[a] = true
	}
	if err := verr.orNil(); err != nil {
		return nil, err
	}

	wf := &model.ApprovalWorkflow{
		ID:         uuid.New().String(),
		ScheduleID: scheduleID,
		Approvers:  append([]string(nil), approvers...),
		Status:     model.WorkflowStatusPending,
		CreatedAt:  m.now(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.bySchedule[scheduleID]; ok {
		delete(m.workflows, old)
	}
	m.workflows[wf.ID] = wf
	m.bySchedule[scheduleID] = wf.ID

	m.logger.Info("Approval workflow created",
		zap.String("workflow_id", wf.ID),
		zap.String("schedule_id", scheduleID),
		zap.Strings("approvers", wf.Approvers))

	return wf.Clone(), nil
}

// RecordDecision applies an approver's verdict. Approvals are taken from the
// current approver only; any listed approver may reject at any time, which
// clears earlier decisions and ends the workflow as rejected.
func (m *ApprovalManager) RecordDecision(workflowID, approverID string, decision model.Decision, comment string) (*model.ApprovalWorkflow, error) {
	if decision != model.DecisionApprove && decision != model.DecisionReject {
		verr := &ValidationError{}
		verr.add("decision", fmt.Sprintf("unknown decision %q", decision))
		return nil, verr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	wf, ok := m.workflows[workflowID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	if wf.Status != model.WorkflowStatusPending {
		return nil, fmt.Errorf("%w: workflow %s is %s", ErrAlreadyDecided, workflowID, wf.Status)
	}

	now := m.now()
	record := model.ApprovalDecision{
		ApproverID: approverID,
		Decision:   decision,
		Comment:    comment,
		Timestamp:  now,
	}

	switch decision {
	case model.DecisionReject:
		if !wf.HasApprover(approverID) {
			return nil, fmt.Errorf("%w: %s is not an approver of workflow %s", ErrInvalidApprover, approverID, workflowID)
		}
		wf.Decisions = []model.ApprovalDecision{record}
		wf.CurrentApproverIndex = 0
		wf.Status = model.WorkflowStatusRejected
		wf.CompletedAt = &now

	case model.DecisionApprove:
		if current := wf.CurrentApprover(); current != approverID {
			return nil, fmt.Errorf("%w: awaiting %s, got %s", ErrInvalidApprover, current, approverID)
		}
		wf.Decisions = append(wf.Decisions, record)
		wf.CurrentApproverIndex++
		if wf.CurrentApproverIndex >= len(wf.Approvers) {
			wf.Status = model.WorkflowStatusApproved
			wf.CompletedAt = &now
		}
	}

	m.logger.Info("Approval decision recorded",
		zap.String("workflow_id", wf.ID),
		zap.String("schedule_id", wf.ScheduleID),
		zap.String("approver_id", approverID),
		zap.String("decision", string(decision)),
		zap.String("workflow_status", string(wf.Status)))

	return wf.Clone(), nil
}

// Get returns a workflow by ID
func (m *ApprovalManager) Get(workflowID string) (*model.ApprovalWorkflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	wf, ok := m.workflows[workflowID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	return wf.Clone(), nil
}

// ForSchedule returns the latest workflow opened for a schedule
func (m *ApprovalManager) ForSchedule(scheduleID string) (*model.ApprovalWorkflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.bySchedule[scheduleID]
	if !ok {
		return nil, fmt.Errorf("%w: no workflow for schedule %s", ErrWorkflowNotFound, scheduleID)
	}
	return m.workflows[id].Clone(), nil
}

// Remove deletes the workflow of a schedule that reached a terminal state
func (m *ApprovalManager) Remove(scheduleID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.bySchedule[scheduleID]; ok {
		delete(m.workflows, id)
		delete(m.bySchedule, scheduleID)
	}
}

// Len returns the number of tracked workflows
func (m *ApprovalManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.workflows)
}
