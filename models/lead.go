package models

import (
	"time"

	"gorm.io/gorm"
)

// Lead is the deduplicated identity of a person, independent of any
// funnel. Within a user at most one lead may exist per normalized phone
// and per normalized email; the composite unique indexes below are the
// dedup mechanism, the engine adopts the winner when an insert loses a
// race against them.
type Lead struct {
	gorm.Model
	UserID uint `gorm:"not null;index:uk_leads_user_phone,unique;index:uk_leads_user_email,unique" json:"user_id"`

	Phone *string `gorm:"size:20;index:uk_leads_user_phone,unique" json:"phone,omitempty"`
	Email *string `gorm:"size:255;index:uk_leads_user_email,unique" json:"email,omitempty"`

	Name     string `json:"name"`
	Source   string `json:"source"`                       // webhook, csv, api, etc.
	Metadata string `gorm:"type:text" json:"metadata"`    // attribution JSON as received

	// Relations
	Positions []LeadFunnelPosition `gorm:"foreignKey:LeadID" json:"positions,omitempty"`
	Events    []LeadEvent          `gorm:"foreignKey:LeadID" json:"events,omitempty"`
	Tags      []LeadTag            `gorm:"foreignKey:LeadID" json:"tags,omitempty"`
}

// LeadFunnelPosition is the lead's current stage within one funnel:
// exactly one row per (lead, funnel) pair, updated in place on every
// transition. Under concurrent deliveries the upsert is atomic in the
// store and PreviousStageID reflects whichever write landed first
// (last-write-wins on the target stage).
type LeadFunnelPosition struct {
	gorm.Model
	LeadID   uint `gorm:"not null;index:uk_positions_lead_funnel,unique" json:"lead_id"`
	FunnelID uint `gorm:"not null;index:uk_positions_lead_funnel,unique;index" json:"funnel_id"`

	StageID         uint      `gorm:"not null" json:"stage_id"`
	PreviousStageID *uint     `json:"previous_stage_id"`
	EnteredAt       time.Time `gorm:"not null" json:"entered_at"`
	MovedBy         string    `json:"moved_by"` // channel that triggered the move

	// Relations
	Stage         *FunnelStage `gorm:"foreignKey:StageID" json:"stage,omitempty"`
	PreviousStage *FunnelStage `gorm:"foreignKey:PreviousStageID" json:"previous_stage,omitempty"`
}

// LeadEvent is the append-only ledger of inbound occurrences. A row is
// written for every accepted delivery, whether or not a rule matched, so
// "arrived but matched nothing" stays distinguishable from "never
// arrived". The (user, idempotency key) unique index is the duplicate
// delivery safety net; NULL keys opt out of dedup.
type LeadEvent struct {
	gorm.Model
	UserID   uint `gorm:"not null;index:uk_events_user_idem,unique" json:"user_id"`
	FunnelID uint `gorm:"not null;index" json:"funnel_id"`
	LeadID   uint `gorm:"not null;index" json:"lead_id"`

	EventName      string    `gorm:"not null;index" json:"event_name"`
	Source         string    `json:"source"`
	Payload        string    `gorm:"type:text" json:"payload"`
	IdempotencyKey *string   `gorm:"size:100;index:uk_events_user_idem,unique" json:"idempotency_key,omitempty"`
	OccurredAt     time.Time `gorm:"not null" json:"occurred_at"`
}

// LeadTag represents tags for leads (normalized)
type LeadTag struct {
	gorm.Model
	UserID uint   `gorm:"not null;index" json:"user_id"`
	LeadID uint   `gorm:"not null;index" json:"lead_id"`
	Tag    string `gorm:"not null;index" json:"tag"`
}

// Sale records a payment attributed to a lead. Clearing a funnel detaches
// sales from their deleted leads instead of removing them, so revenue
// history survives lead maintenance.
type Sale struct {
	gorm.Model
	UserID   uint  `gorm:"not null;index" json:"user_id"`
	LeadID   *uint `gorm:"index" json:"lead_id,omitempty"`
	FunnelID uint  `gorm:"not null;index" json:"funnel_id"`

	AmountCents int64  `gorm:"not null" json:"amount_cents"`
	Currency    string `gorm:"size:3;default:'brl'" json:"currency"`
	Provider    string `json:"provider"`                        // stripe, manual, etc.
	ProviderRef string `gorm:"index" json:"provider_ref"`       // external payment id
}
