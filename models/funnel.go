package models

import (
	"gorm.io/gorm"
)

// Funnel is a named, ordered sequence of stages a lead can progress
// through. The webhook token authenticates inbound events for exactly one
// funnel and is only honored while IsActive is true.
type Funnel struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	Name        string `gorm:"not null" json:"name"`
	Description string `json:"description"`
	Token       string `gorm:"size:64;not null;uniqueIndex" json:"-"`
	IsActive    bool   `gorm:"default:true" json:"is_active"`

	// Relations
	Stages []FunnelStage         `gorm:"foreignKey:FunnelID" json:"stages,omitempty"`
	Rules  []StageTransitionRule `gorm:"foreignKey:FunnelID" json:"rules,omitempty"`
}

// FunnelStage is one step within a funnel, ordered by Position
type FunnelStage struct {
	gorm.Model
	FunnelID uint `gorm:"not null;index" json:"funnel_id"`

	Name     string `gorm:"not null" json:"name"`
	Slug     string `gorm:"not null;index" json:"slug"`
	Position int    `gorm:"default:0" json:"position"`
}

// StageTransitionRule maps (event name, current stage) to a target stage.
// FromStageID nil is a wildcard: it matches any current stage, including a
// lead that has no position in the funnel yet. When several rules match the
// same event, the lowest Priority wins; ties break on insertion order.
type StageTransitionRule struct {
	gorm.Model
	FunnelID uint `gorm:"not null;index:idx_rules_funnel_event" json:"funnel_id"`

	EventName   string `gorm:"not null;index:idx_rules_funnel_event" json:"event_name"`
	FromStageID *uint  `json:"from_stage_id"`
	ToStageID   uint   `gorm:"not null" json:"to_stage_id"`
	Priority    int    `gorm:"default:0" json:"priority"`

	// Relations
	FromStage *FunnelStage `gorm:"foreignKey:FromStageID" json:"from_stage,omitempty"`
	ToStage   *FunnelStage `gorm:"foreignKey:ToStageID" json:"to_stage,omitempty"`
}
