package model

import (
	"time"

	"gorm.io/datatypes"
)

type NodeType string

const NODE_TYPE_MESSAGE NodeType = "message"
const NODE_TYPE_QUESTION NodeType = "question"
const NODE_TYPE_CONDITION NodeType = "condition"
const NODE_TYPE_DELAY NodeType = "delay"
const NODE_TYPE_ACTION NodeType = "action"
const NODE_TYPE_MULTIMEDIA NodeType = "multimedia"
const NODE_TYPE_END NodeType = "end"

type Node struct {
	Id      string         `json:"id"`
	Type    NodeType       `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Edge connects two nodes. An empty Guard marks the default edge.
type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Guard  string `json:"guard,omitempty"`
}

// FlowDefinition is the base graph of a flow slot. Version is bumped every time
// the graph changes; older graphs stay readable as FlowRevision rows.
type FlowDefinition struct {
	Id             string                    `gorm:"primaryKey;size:64" json:"id"`
	OrganizationId string                    `gorm:"size:64;index;not null" json:"organizationId"`
	Name           string                    `json:"name"`
	Version        int                       `gorm:"not null;default:1" json:"version"`
	Active         bool                      `gorm:"not null;default:true" json:"active"`
	StartNodeId    string                    `gorm:"size:64" json:"startNodeId"`
	Nodes          datatypes.JSONSlice[Node] `json:"nodes"`
	Edges          datatypes.JSONSlice[Edge] `json:"edges"`
	CreatedAt      time.Time                 `json:"createdAt"`
	UpdatedAt      time.Time                 `json:"updatedAt"`
}

type FlowRevision struct {
	FlowId      string                    `gorm:"primaryKey;size:64"`
	Version     int                       `gorm:"primaryKey"`
	StartNodeId string                    `gorm:"size:64"`
	Nodes       datatypes.JSONSlice[Node] `json:"nodes"`
	Edges       datatypes.JSONSlice[Edge] `json:"edges"`
	CreatedAt   time.Time
}

// FlowVariant is an alternate graph competing with the base flow of its slot.
// Weight is the share of new contacts (0-100) routed to it while active.
type FlowVariant struct {
	Id             string                    `gorm:"primaryKey;size:64" json:"id"`
	OrganizationId string                    `gorm:"size:64;index;not null" json:"organizationId"`
	FlowId         string                    `gorm:"size:64;index;not null" json:"flowId"`
	Name           string                    `json:"name"`
	Weight         int                       `gorm:"not null" json:"weight"`
	Active         bool                      `gorm:"not null;default:true" json:"active"`
	Position       int                       `gorm:"not null;default:0" json:"position"`
	StartNodeId    string                    `gorm:"size:64" json:"startNodeId"`
	Nodes          datatypes.JSONSlice[Node] `json:"nodes"`
	Edges          datatypes.JSONSlice[Edge] `json:"edges"`
	CreatedAt      time.Time                 `json:"createdAt"`
	UpdatedAt      time.Time                 `json:"updatedAt"`
}
