package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"funneltrack/models"
	"funneltrack/utils"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Terminal outcomes of a successfully processed event
const (
	ActionMoved          = "moved"
	ActionNoRule         = "no_rule"
	ActionIdempotentSkip = "idempotent_skip"
)

// DefaultEventName is assumed when the payload omits the event field
const DefaultEventName = "lead_created"

// ErrNoIdentifier is returned when neither phone nor email survives
// normalization
var ErrNoIdentifier = errors.New("payload carries neither a usable phone nor a usable email")

// PersistenceError reports which pipeline step failed against the store.
// A failed event recording after a successful position write is still a
// PersistenceError: the transition has already taken visible effect and is
// not rolled back, operators reconcile from Step.
type PersistenceError struct {
	Step string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure at %s: %v", e.Step, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// EventInput is the decoded inbound payload plus its originating channel
type EventInput struct {
	Event          string
	Phone          string
	Email          string
	Name           string
	IdempotencyKey string
	Metadata       map[string]interface{}
	Timestamp      string
	Source         string
	RawPayload     []byte
}

// Result is what the caller reports back to the webhook sender
type Result struct {
	Action  string `json:"action"`
	LeadID  uint   `json:"lead_id"`
	StageID *uint  `json:"stage_id"`
}

// Engine runs the ingestion pipeline for one funnel event at a time. It is
// stateless between calls; all shared state lives in the database, so any
// number of Process calls may run concurrently.
type Engine struct {
	DB     *gorm.DB
	Logger *log.Logger
}

func NewEngine(db *gorm.DB, logger *log.Logger) *Engine {
	return &Engine{
		DB:     db,
		Logger: logger,
	}
}

// Process takes an authenticated funnel and one inbound event through the
// pipeline: idempotency guard, identity resolution, rule matching, position
// write, event recording. Exactly one of the three actions comes back on
// success.
func (e *Engine) Process(funnel *models.Funnel, in EventInput) (*Result, error) {
	phone := utils.NormalizePhone(in.Phone)
	email := utils.NormalizeEmail(in.Email)
	if phone == "" && email == "" {
		return nil, ErrNoIdentifier
	}

	eventName := in.Event
	if eventName == "" {
		eventName = DefaultEventName
	}
	source := in.Source
	if source == "" {
		source = "webhook"
	}

	// Idempotency guard: a key we have already recorded means a duplicate
	// delivery, nothing else runs. Keys are scoped per user, not globally.
	if in.IdempotencyKey != "" {
		var prior models.LeadEvent
		err := e.DB.Where("user_id = ? AND idempotency_key = ?", funnel.UserID, in.IdempotencyKey).
			First(&prior).Error
		if err == nil {
			return &Result{Action: ActionIdempotentSkip, LeadID: prior.LeadID}, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &PersistenceError{Step: "idempotency_check", Err: err}
		}
	}

	lead, err := e.resolveLead(funnel, phone, email, in)
	if err != nil {
		return nil, err
	}

	target, err := e.matchRule(funnel.ID, eventName, lead.ID)
	if err != nil {
		return nil, err
	}

	result := &Result{Action: ActionNoRule, LeadID: lead.ID}
	if target != nil {
		if err := e.writePosition(lead.ID, funnel.ID, *target, source); err != nil {
			return nil, err
		}
		result.Action = ActionMoved
		result.StageID = target

		logrus.WithFields(logrus.Fields{
			"funnel_id": funnel.ID,
			"lead_id":   lead.ID,
			"event":     eventName,
			"stage_id":  *target,
		}).Info("lead moved")
	}

	if err := e.recordEvent(funnel, lead.ID, eventName, source, in); err != nil {
		if isDuplicateKey(err) {
			// A concurrent delivery with the same key won the ledger
			// insert; this request is the duplicate after all.
			return &Result{Action: ActionIdempotentSkip, LeadID: lead.ID}, nil
		}
		return nil, &PersistenceError{Step: "record_event", Err: err}
	}

	return result, nil
}

// resolveLead finds the lead for the normalized identifiers, phone before
// email, creating it on first sighting. Losing a creation race against the
// unique indexes is recovered by adopting the concurrent winner.
func (e *Engine) resolveLead(funnel *models.Funnel, phone, email string, in EventInput) (*models.Lead, error) {
	if lead, err := e.lookupLead(funnel.UserID, phone, email); err != nil {
		return nil, &PersistenceError{Step: "resolve_lead", Err: err}
	} else if lead != nil {
		return lead, nil
	}

	lead := models.Lead{
		UserID:   funnel.UserID,
		Name:     leadName(in.Name, phone, email),
		Source:   in.Source,
		Metadata: encodeMetadata(in.Metadata),
	}
	if lead.Source == "" {
		lead.Source = "webhook"
	}
	if phone != "" {
		lead.Phone = utils.Pointer(phone)
	}
	if email != "" {
		lead.Email = utils.Pointer(email)
	}

	if err := e.DB.Create(&lead).Error; err != nil {
		if !isDuplicateKey(err) {
			return nil, &PersistenceError{Step: "resolve_lead", Err: err}
		}
		// Someone else created this identity between our lookup and
		// insert; re-query once and adopt theirs.
		winner, lookupErr := e.lookupLead(funnel.UserID, phone, email)
		if lookupErr != nil {
			return nil, &PersistenceError{Step: "resolve_lead", Err: lookupErr}
		}
		if winner == nil {
			return nil, &PersistenceError{Step: "resolve_lead", Err: err}
		}
		return winner, nil
	}

	e.Logger.Printf("created lead %d (phone=%t email=%t)", lead.ID, phone != "", email != "")
	return &lead, nil
}

func (e *Engine) lookupLead(userID uint, phone, email string) (*models.Lead, error) {
	var lead models.Lead
	if phone != "" {
		err := e.DB.Where("user_id = ? AND phone = ?", userID, phone).First(&lead).Error
		if err == nil {
			return &lead, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	if email != "" {
		err := e.DB.Where("user_id = ? AND email = ?", userID, email).First(&lead).Error
		if err == nil {
			return &lead, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	return nil, nil
}

// matchRule returns the target stage of the first rule, in ascending
// priority order, whose source stage is the wildcard or equals the lead's
// current stage. nil means no transition, which is a normal outcome.
func (e *Engine) matchRule(funnelID uint, eventName string, leadID uint) (*uint, error) {
	var rules []models.StageTransitionRule
	err := e.DB.Where("funnel_id = ? AND event_name = ?", funnelID, eventName).
		Order("priority ASC, id ASC").
		Find(&rules).Error
	if err != nil {
		return nil, &PersistenceError{Step: "match_rule", Err: err}
	}
	if len(rules) == 0 {
		return nil, nil
	}

	var currentStage *uint
	var position models.LeadFunnelPosition
	err = e.DB.Where("lead_id = ? AND funnel_id = ?", leadID, funnelID).First(&position).Error
	if err == nil {
		currentStage = utils.Pointer(position.StageID)
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &PersistenceError{Step: "match_rule", Err: err}
	}

	for _, rule := range rules {
		if rule.FromStageID == nil {
			return utils.Pointer(rule.ToStageID), nil
		}
		if currentStage != nil && *rule.FromStageID == *currentStage {
			return utils.Pointer(rule.ToStageID), nil
		}
	}
	return nil, nil
}

// writePosition advances the one position row for (lead, funnel) with a
// single atomic insert-or-update. previous_stage_id is taken from the
// stored row inside the statement, never from an application-side read, so
// concurrent deliveries serialize in the store.
func (e *Engine) writePosition(leadID, funnelID, stageID uint, source string) error {
	now := time.Now()
	position := models.LeadFunnelPosition{
		LeadID:    leadID,
		FunnelID:  funnelID,
		StageID:   stageID,
		EnteredAt: now,
		MovedBy:   source,
	}

	err := e.DB.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "lead_id"}, {Name: "funnel_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"previous_stage_id": gorm.Expr("lead_funnel_positions.stage_id"),
			"stage_id":          stageID,
			"entered_at":        now,
			"moved_by":          source,
			"updated_at":        now,
		}),
	}).Create(&position).Error
	if err != nil {
		return &PersistenceError{Step: "write_position", Err: err}
	}
	return nil
}

func (e *Engine) recordEvent(funnel *models.Funnel, leadID uint, eventName, source string, in EventInput) error {
	event := models.LeadEvent{
		UserID:     funnel.UserID,
		FunnelID:   funnel.ID,
		LeadID:     leadID,
		EventName:  eventName,
		Source:     source,
		Payload:    string(in.RawPayload),
		OccurredAt: occurredAt(in.Timestamp),
	}
	if in.IdempotencyKey != "" {
		event.IdempotencyKey = utils.Pointer(in.IdempotencyKey)
	}
	return e.DB.Create(&event).Error
}

func occurredAt(raw string) time.Time {
	if raw != "" {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			return ts
		}
	}
	return time.Now()
}

func leadName(name, phone, email string) string {
	if name != "" {
		return name
	}
	if phone != "" {
		return phone
	}
	return email
}

func encodeMetadata(metadata map[string]interface{}) string {
	if len(metadata) == 0 {
		return ""
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return ""
	}
	return string(encoded)
}

// isDuplicateKey matches unique-constraint violations across the dialects
// we run against (Postgres in production, SQLite in tests)
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "UNIQUE constraint failed")
}
