package controller

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"

	"funneltrack/models"
	"funneltrack/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newLeadApp(db *gorm.DB, user *models.User) *fiber.App {
	app := fiber.New()
	lc := NewLeadController(db, log.New(io.Discard, "", 0))

	api := app.Group("/api/v1/leads", asUser(user))
	api.Get("/", lc.GetLeads)
	return app
}

func apiGet(t *testing.T, app *fiber.App, path string) *http.Response {
	t.Helper()
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, path, nil), -1)
	require.NoError(t, err)
	return resp
}

func TestGetLeadsPaginationTotal(t *testing.T) {
	db := newTestDB(t)
	user := createUser(t, db, "owner@example.com")

	for i := 0; i < 30; i++ {
		lead := models.Lead{
			UserID: user.ID,
			Phone:  utils.Pointer(fmt.Sprintf("+55119999%05d", i)),
			Name:   fmt.Sprintf("Lead %d", i),
		}
		require.NoError(t, db.Create(&lead).Error)
	}

	app := newLeadApp(db, user)

	resp := apiGet(t, app, "/api/v1/leads/?page=1&limit=20")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Len(t, body["data"], 20)
	assert.EqualValues(t, 30, body["total"])

	// The total must cover the whole filtered set, not the current page
	resp = apiGet(t, app, "/api/v1/leads/?page=2&limit=20")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decodeBody(t, resp)
	assert.Len(t, body["data"], 10)
	assert.EqualValues(t, 30, body["total"])
	assert.EqualValues(t, 2, body["page"])
}

func TestGetLeadsPhoneFilterNormalizes(t *testing.T) {
	db := newTestDB(t)
	user := createUser(t, db, "owner@example.com")

	lead := models.Lead{UserID: user.ID, Phone: utils.Pointer("+5511987654321"), Name: "Maria"}
	require.NoError(t, db.Create(&lead).Error)

	app := newLeadApp(db, user)

	// Loose national format must match the stored canonical form
	resp := apiGet(t, app, "/api/v1/leads/?phone=11987654321")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Len(t, body["data"], 1)
	assert.EqualValues(t, 1, body["total"])
}
