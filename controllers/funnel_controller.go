package controller

import (
	"log"

	"funneltrack/models"
	"funneltrack/utils"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

type FunnelController struct {
	DB     *gorm.DB
	Logger *log.Logger
}

func NewFunnelController(db *gorm.DB, logger *log.Logger) *FunnelController {
	return &FunnelController{
		DB:     db,
		Logger: logger,
	}
}

// CreateFunnel creates a funnel with its webhook token and optional
// initial stages (ordered as given)
func (fc *FunnelController) CreateFunnel(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var input struct {
		Name        string   `json:"name" validate:"required,max=100"`
		Description string   `json:"description" validate:"max=500"`
		Stages      []string `json:"stages" validate:"omitempty,dive,required,max=100"`
	}

	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}

	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	token, err := utils.GenerateFunnelToken()
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to generate funnel token", err)
	}

	funnel := models.Funnel{
		UserID:      user.ID,
		Name:        input.Name,
		Description: input.Description,
		Token:       token,
		IsActive:    true,
	}

	tx := fc.DB.Begin()
	if err := tx.Create(&funnel).Error; err != nil {
		tx.Rollback()
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create funnel", err)
	}

	for i, name := range input.Stages {
		stage := models.FunnelStage{
			FunnelID: funnel.ID,
			Name:     name,
			Slug:     utils.Slugify(name),
			Position: i,
		}
		if err := tx.Create(&stage).Error; err != nil {
			tx.Rollback()
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create funnel stage", err)
		}
		funnel.Stages = append(funnel.Stages, stage)
	}

	if err := tx.Commit().Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create funnel", err)
	}

	// The token is only shown on creation and rotation
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(fiber.Map{
		"funnel": funnel,
		"token":  token,
	}))
}

// GetFunnels returns all funnels for the user
func (fc *FunnelController) GetFunnels(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var funnels []models.Funnel
	if err := fc.DB.Where("user_id = ?", user.ID).Find(&funnels).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch funnels", err)
	}

	return c.JSON(utils.SuccessResponse(funnels))
}

// GetFunnel returns a single funnel with its stages and rules
func (fc *FunnelController) GetFunnel(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	funnelID := c.Params("id")

	var funnel models.Funnel
	err := fc.DB.Preload("Stages", func(db *gorm.DB) *gorm.DB {
		return db.Order("position ASC")
	}).Preload("Rules", func(db *gorm.DB) *gorm.DB {
		return db.Order("priority ASC")
	}).Where("id = ? AND user_id = ?", funnelID, user.ID).First(&funnel).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Funnel not found", nil)
		}
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch funnel", err)
	}

	return c.JSON(utils.SuccessResponse(funnel))
}

// UpdateFunnel updates name, description and the active flag
func (fc *FunnelController) UpdateFunnel(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	funnelID := c.Params("id")

	var input struct {
		Name        string `json:"name" validate:"omitempty,max=100"`
		Description string `json:"description" validate:"max=500"`
		IsActive    *bool  `json:"is_active"`
	}

	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}

	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	var funnel models.Funnel
	if err := fc.DB.Where("id = ? AND user_id = ?", funnelID, user.ID).First(&funnel).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Funnel not found", nil)
		}
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch funnel", err)
	}

	if input.Name != "" {
		funnel.Name = input.Name
	}
	funnel.Description = input.Description
	if input.IsActive != nil {
		funnel.IsActive = *input.IsActive
	}

	if err := fc.DB.Save(&funnel).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to update funnel", err)
	}

	return c.JSON(utils.SuccessResponse(funnel))
}

// RotateToken replaces the funnel's webhook secret; the old one stops
// authenticating immediately
func (fc *FunnelController) RotateToken(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	funnelID := c.Params("id")

	var funnel models.Funnel
	if err := fc.DB.Where("id = ? AND user_id = ?", funnelID, user.ID).First(&funnel).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Funnel not found", nil)
		}
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch funnel", err)
	}

	token, err := utils.GenerateFunnelToken()
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to generate funnel token", err)
	}

	if err := fc.DB.Model(&funnel).Update("token", token).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to rotate funnel token", err)
	}

	fc.Logger.Printf("rotated token for funnel %d", funnel.ID)

	return c.JSON(utils.SuccessResponse(fiber.Map{
		"token": token,
	}))
}

// CreateStage appends a stage to a funnel
func (fc *FunnelController) CreateStage(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	funnelID := c.Params("id")

	var input struct {
		Name     string `json:"name" validate:"required,max=100"`
		Position *int   `json:"position"`
	}

	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}

	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	var funnel models.Funnel
	if err := fc.DB.Where("id = ? AND user_id = ?", funnelID, user.ID).First(&funnel).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Funnel not found", nil)
		}
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch funnel", err)
	}

	position := 0
	if input.Position != nil {
		position = *input.Position
	} else {
		var count int64
		fc.DB.Model(&models.FunnelStage{}).Where("funnel_id = ?", funnel.ID).Count(&count)
		position = int(count)
	}

	stage := models.FunnelStage{
		FunnelID: funnel.ID,
		Name:     input.Name,
		Slug:     utils.Slugify(input.Name),
		Position: position,
	}

	if err := fc.DB.Create(&stage).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create stage", err)
	}

	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(stage))
}

// CreateRule adds a stage transition rule to a funnel. A null
// from_stage_id is the wildcard source.
func (fc *FunnelController) CreateRule(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	funnelID := c.Params("id")

	var input struct {
		EventName   string `json:"event_name" validate:"required,max=100"`
		FromStageID *uint  `json:"from_stage_id"`
		ToStageID   uint   `json:"to_stage_id" validate:"required"`
		Priority    int    `json:"priority"`
	}

	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}

	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	var funnel models.Funnel
	if err := fc.DB.Where("id = ? AND user_id = ?", funnelID, user.ID).First(&funnel).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Funnel not found", nil)
		}
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch funnel", err)
	}

	// Both endpoints must be stages of this funnel
	stageIDs := []uint{input.ToStageID}
	if input.FromStageID != nil {
		stageIDs = append(stageIDs, *input.FromStageID)
	}
	var count int64
	fc.DB.Model(&models.FunnelStage{}).
		Where("funnel_id = ? AND id IN ?", funnel.ID, stageIDs).
		Count(&count)
	if count != int64(len(stageIDs)) {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Rule references a stage outside this funnel", nil)
	}

	rule := models.StageTransitionRule{
		FunnelID:    funnel.ID,
		EventName:   input.EventName,
		FromStageID: input.FromStageID,
		ToStageID:   input.ToStageID,
		Priority:    input.Priority,
	}

	if err := fc.DB.Create(&rule).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create rule", err)
	}

	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(rule))
}

// DeleteRule removes a transition rule
func (fc *FunnelController) DeleteRule(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	funnelID := c.Params("id")
	ruleID := c.Params("ruleID")

	var funnel models.Funnel
	if err := fc.DB.Where("id = ? AND user_id = ?", funnelID, user.ID).First(&funnel).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Funnel not found", nil)
	}

	result := fc.DB.Where("id = ? AND funnel_id = ?", ruleID, funnel.ID).Delete(&models.StageTransitionRule{})
	if result.Error != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to delete rule", result.Error)
	}
	if result.RowsAffected == 0 {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Rule not found", nil)
	}

	return c.JSON(utils.SuccessResponse(fiber.Map{
		"message": "Rule deleted successfully",
	}))
}

// ClearFunnel is the maintenance operation that resets a funnel: it
// removes every position and event for the funnel, then deletes any lead
// of this user left with no position in any funnel, cascading the lead's
// tags and detaching (not deleting) its sales.
func (fc *FunnelController) ClearFunnel(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	funnelID := c.Params("id")

	var funnel models.Funnel
	if err := fc.DB.Where("id = ? AND user_id = ?", funnelID, user.ID).First(&funnel).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Funnel not found", nil)
		}
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch funnel", err)
	}

	var removedLeads int64

	tx := fc.DB.Begin()

	// Remember who was in this funnel before wiping the positions
	var leadIDs []uint
	if err := tx.Model(&models.LeadFunnelPosition{}).
		Where("funnel_id = ?", funnel.ID).
		Distinct("lead_id").
		Pluck("lead_id", &leadIDs).Error; err != nil {
		tx.Rollback()
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to collect funnel leads", err)
	}

	if err := tx.Unscoped().Where("funnel_id = ?", funnel.ID).Delete(&models.LeadFunnelPosition{}).Error; err != nil {
		tx.Rollback()
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to delete funnel positions", err)
	}

	if err := tx.Unscoped().Where("funnel_id = ?", funnel.ID).Delete(&models.LeadEvent{}).Error; err != nil {
		tx.Rollback()
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to delete funnel events", err)
	}

	if len(leadIDs) > 0 {
		// Leads still positioned in another funnel survive
		var orphanIDs []uint
		err := tx.Model(&models.Lead{}).
			Where("user_id = ? AND id IN ?", user.ID, leadIDs).
			Where("NOT EXISTS (SELECT 1 FROM lead_funnel_positions p WHERE p.lead_id = leads.id AND p.deleted_at IS NULL)").
			Pluck("id", &orphanIDs).Error
		if err != nil {
			tx.Rollback()
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to find orphaned leads", err)
		}

		if len(orphanIDs) > 0 {
			if err := tx.Unscoped().Where("lead_id IN ?", orphanIDs).Delete(&models.LeadTag{}).Error; err != nil {
				tx.Rollback()
				return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to delete lead tags", err)
			}

			if err := tx.Model(&models.Sale{}).
				Where("lead_id IN ?", orphanIDs).
				Update("lead_id", nil).Error; err != nil {
				tx.Rollback()
				return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to detach sales", err)
			}

			result := tx.Unscoped().Where("id IN ?", orphanIDs).Delete(&models.Lead{})
			if result.Error != nil {
				tx.Rollback()
				return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to delete leads", result.Error)
			}
			removedLeads = result.RowsAffected
		}
	}

	if err := tx.Commit().Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to clear funnel", err)
	}

	fc.Logger.Printf("cleared funnel %d: %d leads removed", funnel.ID, removedLeads)

	return c.JSON(utils.SuccessResponse(fiber.Map{
		"message":       "Funnel cleared successfully",
		"removed_leads": removedLeads,
	}))
}
