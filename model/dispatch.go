package model

import (
	"time"

	"gorm.io/datatypes"
)

type DispatchStatus string

const DISPATCH_PENDING DispatchStatus = "pending"
const DISPATCH_SENT DispatchStatus = "sent"
const DISPATCH_FAILED DispatchStatus = "failed"

type DispatchSource string

const SOURCE_FLOW DispatchSource = "flow"
const SOURCE_MANUAL DispatchSource = "manual"

type MessagePayload struct {
	Text      string `json:"text,omitempty"`
	MediaUrl  string `json:"mediaUrl,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
	Caption   string `json:"caption,omitempty"`
}

// Preview is the short text shown in conversation lists.
func (p MessagePayload) Preview() string {
	text := p.Text
	if text == "" {
		text = p.Caption
	}
	if text == "" && p.MediaType != "" {
		text = "[" + p.MediaType + "]"
	}
	r := []rune(text)
	if len(r) > 80 {
		return string(r[:80])
	}
	return text
}

type DispatchJob struct {
	Id                string                             `gorm:"primaryKey;size:64" json:"id"`
	OrganizationId    string                             `gorm:"size:64;not null;index" json:"organizationId"`
	ChannelId         string                             `gorm:"size:64;not null;index:idx_job_due,priority:1" json:"channelId"`
	ContactId         string                             `gorm:"size:128;not null" json:"contactId"`
	Destination       string                             `gorm:"size:128" json:"destination"`
	Payload           datatypes.JSONType[MessagePayload] `json:"payload"`
	Source            DispatchSource                     `gorm:"size:16" json:"source"`
	FlowId            string                             `gorm:"size:64" json:"flowId,omitempty"`
	NodeId            string                             `gorm:"size:64" json:"nodeId,omitempty"`
	Status            DispatchStatus                     `gorm:"size:16;not null;index:idx_job_due,priority:2" json:"status"`
	ScheduledAt       time.Time                          `gorm:"not null;index:idx_job_due,priority:3" json:"scheduledAt"`
	RetryCount        int                                `gorm:"not null;default:0" json:"retryCount"`
	LastError         string                             `json:"lastError,omitempty"`
	ProviderMessageId string                             `gorm:"size:128" json:"providerMessageId,omitempty"`
	SentAt            *time.Time                         `gorm:"index" json:"sentAt,omitempty"`
	CreatedAt         time.Time                          `json:"createdAt"`
	UpdatedAt         time.Time                          `json:"updatedAt"`
}

func (j *DispatchJob) IsTerminal() bool {
	return j.Status == DISPATCH_SENT || j.Status == DISPATCH_FAILED
}
