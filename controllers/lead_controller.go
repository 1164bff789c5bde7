package controller

import (
	"encoding/csv"
	"log"
	"strconv"
	"time"

	"funneltrack/models"
	"funneltrack/utils"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

// LeadController is read-only: leads are created and moved exclusively by
// the ingestion engine, the dashboard only inspects them.
type LeadController struct {
	DB     *gorm.DB
	Logger *log.Logger
}

func NewLeadController(db *gorm.DB, logger *log.Logger) *LeadController {
	return &LeadController{
		DB:     db,
		Logger: logger,
	}
}

// GetLeads returns paginated list of leads with filters
func (lc *LeadController) GetLeads(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	// Pagination
	page, _ := strconv.Atoi(c.Query("page", "1"))
	limit, _ := strconv.Atoi(c.Query("limit", "20"))
	if limit > 100 {
		limit = 100
	}
	offset := (page - 1) * limit

	// Filters accept the same loose formats the webhook does
	phone := c.Query("phone")
	email := c.Query("email")
	funnelID := c.Query("funnel_id")

	query := lc.DB.Model(&models.Lead{}).Where("user_id = ?", user.ID)

	if phone != "" {
		query = query.Where("phone = ?", utils.NormalizePhone(phone))
	}
	if email != "" {
		query = query.Where("email = ?", utils.NormalizeEmail(email))
	}
	if funnelID != "" {
		query = query.Joins("JOIN lead_funnel_positions ON lead_funnel_positions.lead_id = leads.id").
			Where("lead_funnel_positions.funnel_id = ?", utils.ParseUint(funnelID))
	}

	// Count before offset/limit are applied, on its own session, so the
	// total covers the whole filtered set rather than the current page
	var total int64
	if err := query.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to count leads", err)
	}

	var leads []models.Lead
	if err := query.Offset(offset).Limit(limit).Find(&leads).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch leads", err)
	}

	return c.JSON(utils.PaginatedResponse{
		Data:  leads,
		Total: total,
		Page:  page,
		Limit: limit,
	})
}

// GetLead returns a single lead with its positions and recent events
func (lc *LeadController) GetLead(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	leadID := c.Params("id")

	var lead models.Lead
	err := lc.DB.Preload("Positions").Preload("Tags").
		Preload("Events", func(db *gorm.DB) *gorm.DB {
			return db.Order("occurred_at DESC").Limit(50)
		}).
		Where("id = ? AND user_id = ?", leadID, user.ID).First(&lead).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Lead not found", nil)
		}
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch lead", err)
	}

	return c.JSON(utils.SuccessResponse(lead))
}

// ExportLeads exports leads to CSV
func (lc *LeadController) ExportLeads(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var leads []models.Lead
	if err := lc.DB.Where("user_id = ?", user.ID).Find(&leads).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch leads", err)
	}

	c.Set("Content-Type", "text/csv")
	c.Set("Content-Disposition", "attachment; filename=leads_export_"+time.Now().Format("20060102")+".csv")

	writer := csv.NewWriter(c)
	defer writer.Flush()

	// Write header
	header := []string{"name", "phone", "email", "source", "created_at"}
	if err := writer.Write(header); err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to generate CSV", err)
	}

	// Write data
	for _, lead := range leads {
		record := []string{
			lead.Name,
			derefString(lead.Phone),
			derefString(lead.Email),
			lead.Source,
			lead.CreatedAt.Format(time.RFC3339),
		}
		if err := writer.Write(record); err != nil {
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to generate CSV", err)
		}
	}

	return nil
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
