package models

import "time"

// ProposalType is the closed set of actions the engine may propose.
type ProposalType string

const (
	ProposalRemindInvoice  ProposalType = "REMIND_INVOICE"
	ProposalEscalateTicket ProposalType = "ESCALATE_TICKET"
)

// ProposalTypes lists every known ProposalType.
var ProposalTypes = []ProposalType{ProposalRemindInvoice, ProposalEscalateTicket}

// Valid reports whether t is a known proposal type.
func (t ProposalType) Valid() bool {
	switch t {
	case ProposalRemindInvoice, ProposalEscalateTicket:
		return true
	}
	return false
}

type ProposalSource string

const (
	SourceOverdueInvoice ProposalSource = "OVERDUE_INVOICE"
	SourceNoReplyTicket  ProposalSource = "NO_REPLY_TICKET"
)

type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Rank orders severities LOW=0 .. CRITICAL=3. Unknown values rank above CRITICAL.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	default:
		return 4
	}
}

// Proposal a generated candidate action. Never persisted on its own; an Approval
// freezes a copy in ProposalSnapshot.
type Proposal struct {
	ID                string         `json:"id"`
	Type              ProposalType   `json:"type"`
	Source            ProposalSource `json:"source"`
	TargetID          string         `json:"targetId"`
	RecommendedAction string         `json:"recommendedAction"`
	Reason            string         `json:"reason"`
	Severity          Severity       `json:"severity"`
	GeneratedAt       time.Time      `json:"generatedAt"`
}

// AutomationPolicy per proposal type bounds on what may be auto-approved/executed.
type AutomationPolicy struct {
	ProposalType ProposalType `gorm:"primaryKey;size:32" json:"proposalType"`
	MaxSeverity  Severity     `gorm:"size:16;not null;default:'LOW'" json:"maxSeverity"` // LOW, MEDIUM
	AutoApprove  bool         `json:"autoApprove"`
	AutoExecute  bool         `json:"autoExecute"`
	DailyLimit   int          `json:"dailyLimit"`
	Enabled      bool         `json:"enabled"`
	UpdatedBy    string       `json:"updatedBy"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

type Decision string

const (
	DecisionApproved Decision = "APPROVED"
	DecisionRejected Decision = "REJECTED"
)

type ExecutionStatus string

const (
	ExecutionExecuted ExecutionStatus = "EXECUTED"
	ExecutionSkipped  ExecutionStatus = "SKIPPED"
	ExecutionFailed   ExecutionStatus = "FAILED"
)

const (
	TargetTypeInvoice = "INVOICE"
	TargetTypeTicket  = "TICKET"
	TargetTypeUnknown = "UNKNOWN"
)

// ExecutionResult outcome of running (or simulating) one proposal.
type ExecutionResult struct {
	Status     ExecutionStatus `json:"status"`
	Reason     string          `json:"reason,omitempty"`
	TargetType string          `json:"targetType"`
	TargetID   string          `json:"targetId"`
}

// Approval the persisted human decision on a proposal. ProposalID is unique: the index is
// what stops two racing decisions on the same proposal.
type Approval struct {
	ID               string           `gorm:"primaryKey;size:36" json:"id"`
	ProposalID       string           `gorm:"size:64;not null;uniqueIndex" json:"proposalId"`
	Decision         Decision         `gorm:"size:16;not null;index" json:"decision"`
	DecidedBy        string           `gorm:"not null" json:"decidedBy"`
	DecidedAt        time.Time        `gorm:"not null;index" json:"decidedAt"`
	Note             *string          `gorm:"type:text" json:"note,omitempty"`
	ProposalSnapshot Proposal         `gorm:"type:text;serializer:json;not null" json:"proposalSnapshot"`
	ProposalHash     string           `gorm:"size:64;not null" json:"proposalHash"`
	ExecutedAt       *time.Time       `json:"executedAt,omitempty"`
	ExecuteResult    *ExecutionResult `gorm:"type:text;serializer:json" json:"executeResult,omitempty"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

type AuditAction string

const (
	AuditExecute AuditAction = "EXECUTE"
	AuditSkip    AuditAction = "SKIP"
	AuditFail    AuditAction = "FAIL"
)

// AuditActionFor maps an execution status onto the audit action recorded for it.
func AuditActionFor(status ExecutionStatus) AuditAction {
	switch status {
	case ExecutionExecuted:
		return AuditExecute
	case ExecutionSkipped:
		return AuditSkip
	default:
		return AuditFail
	}
}

// AutomationAudit append-only record of one real execution attempt.
type AutomationAudit struct {
	ID         string          `gorm:"primaryKey;size:36" json:"id"`
	ApprovalID string          `gorm:"size:36;not null;index" json:"approvalId"`
	ProposalID string          `gorm:"size:64;not null;index" json:"proposalId"`
	Action     AuditAction     `gorm:"size:16;not null" json:"action"`
	ActorID    string          `gorm:"not null" json:"actorId"`
	DryRun     bool            `json:"dryRun"`
	Result     ExecutionResult `gorm:"type:text;serializer:json" json:"result"`
	CreatedAt  time.Time       `gorm:"index" json:"createdAt"`
}
