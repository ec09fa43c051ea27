package domain

import "time"

// AuditResult is the outcome recorded for an audited action.
type AuditResult string

const (
	AuditAllowed AuditResult = "allowed"
	AuditDenied  AuditResult = "denied"
)

// AuditRecord is a structured record of a sensitive action.
type AuditRecord struct {
	Timestamp    time.Time   `json:"timestamp"`
	TenantCode   string      `json:"tenantCode"`
	RequestID    string      `json:"requestId,omitempty"`
	SubjectID    int64       `json:"subjectId"`
	Action       string      `json:"action"`
	ResourceType string      `json:"resourceType"`
	ResourceID   string      `json:"resourceId,omitempty"`
	Result       AuditResult `json:"result"`
	Reason       string      `json:"reason,omitempty"`
}
