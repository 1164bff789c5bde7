package engine

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"testing"

	"funneltrack/config"
	"funneltrack/models"
	"funneltrack/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	// A named shared-cache database per test keeps goroutines on the same
	// data while isolating tests from each other
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// SQLite writes must serialize on one connection
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, config.MigrateDB(db))
	return db
}

func newTestEngine(db *gorm.DB) *Engine {
	return NewEngine(db, log.New(io.Discard, "", 0))
}

type fixture struct {
	user   models.User
	funnel models.Funnel
	stages map[string]models.FunnelStage
}

func seedFunnel(t *testing.T, db *gorm.DB, stageNames ...string) *fixture {
	t.Helper()

	f := &fixture{stages: map[string]models.FunnelStage{}}

	f.user = models.User{Email: "owner@example.com", PasswordHash: "x"}
	require.NoError(t, db.Create(&f.user).Error)

	f.funnel = models.Funnel{
		UserID:   f.user.ID,
		Name:     "Launch",
		Token:    "tok-A",
		IsActive: true,
	}
	require.NoError(t, db.Create(&f.funnel).Error)

	for i, name := range stageNames {
		stage := models.FunnelStage{
			FunnelID: f.funnel.ID,
			Name:     name,
			Slug:     utils.Slugify(name),
			Position: i,
		}
		require.NoError(t, db.Create(&stage).Error)
		f.stages[name] = stage
	}
	return f
}

func (f *fixture) addRule(t *testing.T, db *gorm.DB, event string, from *uint, to uint, priority int) {
	t.Helper()
	rule := models.StageTransitionRule{
		FunnelID:    f.funnel.ID,
		EventName:   event,
		FromStageID: from,
		ToStageID:   to,
		Priority:    priority,
	}
	require.NoError(t, db.Create(&rule).Error)
}

func TestPhoneVariantsResolveSameLead(t *testing.T) {
	db := newTestDB(t)
	f := seedFunnel(t, db, "novo")
	e := newTestEngine(db)

	variants := []string{"11999990000", "5511999990000", "+5511999990000"}
	var leadIDs []uint
	for _, phone := range variants {
		result, err := e.Process(&f.funnel, EventInput{Event: "form_submitted", Phone: phone})
		require.NoError(t, err)
		leadIDs = append(leadIDs, result.LeadID)
	}

	assert.Equal(t, leadIDs[0], leadIDs[1])
	assert.Equal(t, leadIDs[0], leadIDs[2])

	var count int64
	db.Model(&models.Lead{}).Count(&count)
	assert.EqualValues(t, 1, count)
}

func TestEmailFallbackResolution(t *testing.T) {
	db := newTestDB(t)
	f := seedFunnel(t, db, "novo")
	e := newTestEngine(db)

	first, err := e.Process(&f.funnel, EventInput{Email: "John@Example.com"})
	require.NoError(t, err)

	second, err := e.Process(&f.funnel, EventInput{Email: " john@example.com "})
	require.NoError(t, err)

	assert.Equal(t, first.LeadID, second.LeadID)
}

func TestNoIdentifierRejected(t *testing.T) {
	db := newTestDB(t)
	f := seedFunnel(t, db, "novo")
	e := newTestEngine(db)

	_, err := e.Process(&f.funnel, EventInput{Event: "form_submitted", Name: "Jo"})
	assert.ErrorIs(t, err, ErrNoIdentifier)

	var count int64
	db.Model(&models.Lead{}).Count(&count)
	assert.EqualValues(t, 0, count)
}

func TestIdempotentSkip(t *testing.T) {
	db := newTestDB(t)
	f := seedFunnel(t, db, "novo")
	f.addRule(t, db, "lead_created", nil, f.stages["novo"].ID, 1)
	e := newTestEngine(db)

	in := EventInput{Phone: "11987654321", IdempotencyKey: "k1", RawPayload: []byte(`{}`)}

	first, err := e.Process(&f.funnel, in)
	require.NoError(t, err)
	assert.Equal(t, ActionMoved, first.Action)

	second, err := e.Process(&f.funnel, in)
	require.NoError(t, err)
	assert.Equal(t, ActionIdempotentSkip, second.Action)
	assert.Equal(t, first.LeadID, second.LeadID)

	var events, positions int64
	db.Model(&models.LeadEvent{}).Count(&events)
	db.Model(&models.LeadFunnelPosition{}).Count(&positions)
	assert.EqualValues(t, 1, events)
	assert.EqualValues(t, 1, positions)
}

func TestRulePriorityFirstMatchWins(t *testing.T) {
	db := newTestDB(t)
	f := seedFunnel(t, db, "S", "A", "B")
	e := newTestEngine(db)

	// Put the lead in stage S first
	f.addRule(t, db, "warmup", nil, f.stages["S"].ID, 1)
	result, err := e.Process(&f.funnel, EventInput{Event: "warmup", Phone: "11987654321"})
	require.NoError(t, err)
	require.Equal(t, ActionMoved, result.Action)
	require.Equal(t, f.stages["S"].ID, *result.StageID)

	// A lower priority wildcard must beat a more specific rule
	f.addRule(t, db, "clicked", nil, f.stages["A"].ID, 1)
	f.addRule(t, db, "clicked", utils.Pointer(f.stages["S"].ID), f.stages["B"].ID, 2)

	result, err = e.Process(&f.funnel, EventInput{Event: "clicked", Phone: "11987654321"})
	require.NoError(t, err)
	assert.Equal(t, ActionMoved, result.Action)
	assert.Equal(t, f.stages["A"].ID, *result.StageID)
}

func TestWildcardMatchesLeadWithoutPosition(t *testing.T) {
	db := newTestDB(t)
	f := seedFunnel(t, db, "novo")
	f.addRule(t, db, "lead_created", nil, f.stages["novo"].ID, 1)
	e := newTestEngine(db)

	result, err := e.Process(&f.funnel, EventInput{Phone: "11987654321"})
	require.NoError(t, err)
	assert.Equal(t, ActionMoved, result.Action)
	assert.Equal(t, f.stages["novo"].ID, *result.StageID)

	var position models.LeadFunnelPosition
	require.NoError(t, db.Where("lead_id = ? AND funnel_id = ?", result.LeadID, f.funnel.ID).First(&position).Error)
	assert.Nil(t, position.PreviousStageID)
}

func TestSpecificSourceStageRule(t *testing.T) {
	db := newTestDB(t)
	f := seedFunnel(t, db, "novo", "qualificado")
	f.addRule(t, db, "lead_created", nil, f.stages["novo"].ID, 1)
	f.addRule(t, db, "replied", utils.Pointer(f.stages["novo"].ID), f.stages["qualificado"].ID, 1)
	e := newTestEngine(db)

	created, err := e.Process(&f.funnel, EventInput{Phone: "11987654321"})
	require.NoError(t, err)
	require.Equal(t, ActionMoved, created.Action)

	moved, err := e.Process(&f.funnel, EventInput{Event: "replied", Phone: "11987654321"})
	require.NoError(t, err)
	assert.Equal(t, ActionMoved, moved.Action)
	assert.Equal(t, f.stages["qualificado"].ID, *moved.StageID)

	// The single position row was updated in place with the old stage
	var positions []models.LeadFunnelPosition
	require.NoError(t, db.Where("lead_id = ?", moved.LeadID).Find(&positions).Error)
	require.Len(t, positions, 1)
	assert.Equal(t, f.stages["qualificado"].ID, positions[0].StageID)
	require.NotNil(t, positions[0].PreviousStageID)
	assert.Equal(t, f.stages["novo"].ID, *positions[0].PreviousStageID)
}

func TestNoMatchingRuleStillRecordsEvent(t *testing.T) {
	db := newTestDB(t)
	f := seedFunnel(t, db, "novo")
	f.addRule(t, db, "lead_created", nil, f.stages["novo"].ID, 1)
	e := newTestEngine(db)

	created, err := e.Process(&f.funnel, EventInput{Phone: "11987654321"})
	require.NoError(t, err)
	require.Equal(t, ActionMoved, created.Action)

	result, err := e.Process(&f.funnel, EventInput{Event: "unknown_event", Phone: "11987654321", RawPayload: []byte(`{"event":"unknown_event"}`)})
	require.NoError(t, err)
	assert.Equal(t, ActionNoRule, result.Action)
	assert.Nil(t, result.StageID)

	// Ledger distinguishes "arrived but matched nothing" from "never arrived"
	var events int64
	db.Model(&models.LeadEvent{}).Where("event_name = ?", "unknown_event").Count(&events)
	assert.EqualValues(t, 1, events)

	// Position untouched
	var position models.LeadFunnelPosition
	require.NoError(t, db.Where("lead_id = ?", result.LeadID).First(&position).Error)
	assert.Equal(t, f.stages["novo"].ID, position.StageID)
}

func TestRuleMatchingIsPerEventName(t *testing.T) {
	db := newTestDB(t)
	f := seedFunnel(t, db, "novo")
	f.addRule(t, db, "lead_created", nil, f.stages["novo"].ID, 1)
	e := newTestEngine(db)

	// Empty event name falls back to the lead_created sentinel
	result, err := e.Process(&f.funnel, EventInput{Phone: "11987654321"})
	require.NoError(t, err)
	assert.Equal(t, ActionMoved, result.Action)

	var event models.LeadEvent
	require.NoError(t, db.First(&event).Error)
	assert.Equal(t, DefaultEventName, event.EventName)
}

func TestConcurrentCreationYieldsOneLead(t *testing.T) {
	db := newTestDB(t)
	f := seedFunnel(t, db, "novo")
	f.addRule(t, db, "lead_created", nil, f.stages["novo"].ID, 1)
	e := newTestEngine(db)

	const workers = 50
	var wg sync.WaitGroup
	results := make([]*Result, workers)
	errs := make([]error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = e.Process(&f.funnel, EventInput{Phone: "11988887777"})
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
	}

	var leads, positions int64
	db.Model(&models.Lead{}).Count(&leads)
	db.Model(&models.LeadFunnelPosition{}).Count(&positions)
	assert.EqualValues(t, 1, leads, "exactly one lead despite %d concurrent creates", workers)
	assert.EqualValues(t, 1, positions)

	for i := 1; i < workers; i++ {
		assert.Equal(t, results[0].LeadID, results[i].LeadID)
	}
}

func TestConcurrentIdempotencyKeyRecordsOneEvent(t *testing.T) {
	db := newTestDB(t)
	f := seedFunnel(t, db, "novo")
	e := newTestEngine(db)

	const workers = 20
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.Process(&f.funnel, EventInput{Phone: "11988887777", IdempotencyKey: "dup-key"})
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
	}

	var events int64
	db.Model(&models.LeadEvent{}).Count(&events)
	assert.EqualValues(t, 1, events)
}

func TestLeadAttributesOnCreation(t *testing.T) {
	db := newTestDB(t)
	f := seedFunnel(t, db, "novo")
	e := newTestEngine(db)

	metadata := map[string]interface{}{"utm_source": "instagram", "campaign": "launch"}
	result, err := e.Process(&f.funnel, EventInput{
		Phone:    "11987654321",
		Email:    "Maria@Example.com",
		Name:     "Maria",
		Metadata: metadata,
	})
	require.NoError(t, err)

	var lead models.Lead
	require.NoError(t, db.First(&lead, result.LeadID).Error)
	assert.Equal(t, "Maria", lead.Name)
	require.NotNil(t, lead.Phone)
	assert.Equal(t, "+5511987654321", *lead.Phone)
	require.NotNil(t, lead.Email)
	assert.Equal(t, "maria@example.com", *lead.Email)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lead.Metadata), &decoded))
	assert.Equal(t, "instagram", decoded["utm_source"])
}

func TestLeadNameFallsBackToPhoneThenEmail(t *testing.T) {
	db := newTestDB(t)
	f := seedFunnel(t, db, "novo")
	e := newTestEngine(db)

	byPhone, err := e.Process(&f.funnel, EventInput{Phone: "11987654321"})
	require.NoError(t, err)
	var lead models.Lead
	require.NoError(t, db.First(&lead, byPhone.LeadID).Error)
	assert.Equal(t, "+5511987654321", lead.Name)

	byEmail, err := e.Process(&f.funnel, EventInput{Email: "a@b.co"})
	require.NoError(t, err)
	lead = models.Lead{}
	require.NoError(t, db.First(&lead, byEmail.LeadID).Error)
	assert.Equal(t, "a@b.co", lead.Name)
}

func TestOccurredAtFromPayloadTimestamp(t *testing.T) {
	db := newTestDB(t)
	f := seedFunnel(t, db, "novo")
	e := newTestEngine(db)

	_, err := e.Process(&f.funnel, EventInput{
		Phone:     "11987654321",
		Timestamp: "2025-03-01T10:30:00Z",
	})
	require.NoError(t, err)

	var event models.LeadEvent
	require.NoError(t, db.First(&event).Error)
	assert.Equal(t, 2025, event.OccurredAt.UTC().Year())
	assert.Equal(t, 30, event.OccurredAt.UTC().Minute())
}
