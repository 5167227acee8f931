package model

import (
	"time"

	"gorm.io/datatypes"
)

// ContactFlowState is the progress of one contact through one flow. It is only
// written by the flow engine and is never deleted; Completed marks the end of a
// journey, Abandoned tells a dead end or an expiry apart from a normal finish.
type ContactFlowState struct {
	Id              string            `gorm:"primaryKey;size:64" json:"id"`
	OrganizationId  string            `gorm:"size:64;not null;uniqueIndex:idx_contact_flow" json:"organizationId"`
	ContactId       string            `gorm:"size:128;not null;uniqueIndex:idx_contact_flow" json:"contactId"`
	FlowId          string            `gorm:"size:64;not null;uniqueIndex:idx_contact_flow" json:"flowId"`
	VariantId       string            `gorm:"size:64" json:"variantId"`
	GraphVersion    int               `json:"graphVersion"`
	ChannelId       string            `gorm:"size:64" json:"channelId"`
	Destination     string            `gorm:"size:128" json:"destination"`
	JourneyId       string            `gorm:"size:64" json:"journeyId"`
	CurrentNodeId   string            `gorm:"size:64" json:"currentNodeId"`
	NodeEnteredAt   time.Time         `gorm:"index" json:"nodeEnteredAt"`
	Variables       datatypes.JSONMap `json:"variables"`
	AwaitingInput   bool              `gorm:"index" json:"awaitingInput"`
	Completed       bool              `gorm:"index" json:"completed"`
	Abandoned       bool              `json:"abandoned"`
	Errored         bool              `json:"errored"`
	WakeAt          *time.Time        `gorm:"index" json:"wakeAt,omitempty"`
	EngagementScore float64           `json:"engagementScore"`
	InboundCount    int               `json:"inboundCount"`
	OutboundCount   int               `json:"outboundCount"`
	MessageCount    int               `json:"messageCount"`
	LastInteraction time.Time         `gorm:"index" json:"lastInteraction"`
	StartedAt       time.Time         `json:"startedAt"`
	Revision        int64             `gorm:"not null;default:0" json:"revision"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
}

// VariantAssignment binds a contact to a variant of a flow slot for good.
// An empty VariantId means the contact runs the base flow.
type VariantAssignment struct {
	OrganizationId string    `gorm:"primaryKey;size:64" json:"organizationId"`
	ContactId      string    `gorm:"primaryKey;size:128" json:"contactId"`
	FlowId         string    `gorm:"primaryKey;size:64" json:"flowId"`
	VariantId      string    `gorm:"size:64" json:"variantId"`
	AssignedAt     time.Time `json:"assignedAt"`
}
