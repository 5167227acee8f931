package model

import (
	"time"

	"gorm.io/datatypes"
)

type JourneyStatus string

const JOURNEY_IN_PROGRESS JourneyStatus = "in_progress"
const JOURNEY_COMPLETED JourneyStatus = "completed"
const JOURNEY_ABANDONED JourneyStatus = "abandoned"

type NodeAction string

const NODE_ENTERED NodeAction = "entered"
const NODE_COMPLETED NodeAction = "completed"
const NODE_DROPPED_OFF NodeAction = "dropped_off"
const NODE_SKIPPED NodeAction = "skipped"

type JourneyRecord struct {
	Id              string                      `gorm:"primaryKey;size:64" json:"id"`
	OrganizationId  string                      `gorm:"size:64;not null;index:idx_journey_flow,priority:1" json:"organizationId"`
	FlowId          string                      `gorm:"size:64;not null;index:idx_journey_flow,priority:2" json:"flowId"`
	VariantId       string                      `gorm:"size:64;index:idx_journey_flow,priority:3" json:"variantId"`
	ContactId       string                      `gorm:"size:128;not null;index" json:"contactId"`
	Status          JourneyStatus               `gorm:"size:16;not null" json:"status"`
	StartedAt       time.Time                   `json:"startedAt"`
	CompletedAt     *time.Time                  `json:"completedAt,omitempty"`
	TotalTimeMs     int64                       `json:"totalTimeMs"`
	Path            datatypes.JSONSlice[string] `json:"path"`
	ConversionValue float64                     `json:"conversionValue"`
	Errored         bool                        `json:"errored"`
	CreatedAt       time.Time                   `json:"createdAt"`
	UpdatedAt       time.Time                   `json:"updatedAt"`
}

// NodeEvent is an append-only analytics fact.
type NodeEvent struct {
	Id             string     `gorm:"primaryKey;size:64" json:"id"`
	OrganizationId string     `gorm:"size:64;not null;index:idx_node_event_flow,priority:1" json:"organizationId"`
	FlowId         string     `gorm:"size:64;not null;index:idx_node_event_flow,priority:2" json:"flowId"`
	VariantId      string     `gorm:"size:64;index:idx_node_event_flow,priority:3" json:"variantId"`
	ContactId      string     `gorm:"size:128;not null" json:"contactId"`
	NodeId         string     `gorm:"size:64;not null" json:"nodeId"`
	Action         NodeAction `gorm:"size:16;not null" json:"action"`
	TimeSpentMs    int64      `json:"timeSpentMs"`
	Timestamp      time.Time  `gorm:"index" json:"timestamp"`
}
