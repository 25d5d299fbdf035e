package adminapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/talkincode/wagate/internal/domain"
	"github.com/talkincode/wagate/internal/notify"
	"github.com/talkincode/wagate/internal/webserver"
	"github.com/talkincode/wagate/pkg/common"
	"gorm.io/gorm"
)

type templatePayload struct {
	Name        string `json:"name" validate:"required,max=128"`
	Category    string `json:"category" validate:"omitempty,max=64"`
	Content     string `json:"content" validate:"required,max=4096"`
	SystemEvent string `json:"system_event" validate:"omitempty,max=128"`
	Remark      string `json:"remark" validate:"omitempty,max=500"`
}

type templateUpdatePayload struct {
	Name     string `json:"name" validate:"omitempty,max=128"`
	Category string `json:"category" validate:"omitempty,max=64"`
	Content  string `json:"content" validate:"omitempty,max=4096"`
	// SystemEvent is a pointer so "" can unbind the template.
	SystemEvent *string `json:"system_event" validate:"omitempty,max=128"`
	Remark      string  `json:"remark" validate:"omitempty,max=500"`
}

type previewPayload struct {
	Vars map[string]interface{} `json:"vars"`
}

func registerTemplateRoutes() {
	webserver.ApiGET("/notify/templates", listTemplates)
	webserver.ApiGET("/notify/templates/:id", getTemplate)
	webserver.ApiPOST("/notify/templates", createTemplate)
	webserver.ApiPUT("/notify/templates/:id", updateTemplate)
	webserver.ApiDELETE("/notify/templates/:id", deleteTemplate)
	webserver.ApiPOST("/notify/templates/:id/preview", previewTemplate)
}

func eventPtr(event string) *string {
	event = strings.TrimSpace(event)
	if event == "" {
		return nil
	}
	return &event
}

// eventTaken reports whether another template is bound to event.
func eventTaken(c echo.Context, event *string, exceptID int64) bool {
	if event == nil {
		return false
	}
	var count int64
	GetDB(c).Model(&domain.NotifyTemplate{}).
		Where("system_event = ? AND id <> ?", *event, exceptID).
		Count(&count)
	return count > 0
}

func nameTaken(c echo.Context, name string, exceptID int64) bool {
	var count int64
	GetDB(c).Model(&domain.NotifyTemplate{}).Where("name = ? AND id <> ?", name, exceptID).Count(&count)
	return count > 0
}

func findTemplate(c echo.Context) (*domain.NotifyTemplate, error) {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return nil, fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid template ID", nil)
	}
	var tpl domain.NotifyTemplate
	if err := GetDB(c).Where("id = ?", id).First(&tpl).Error; errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fail(c, http.StatusNotFound, "TEMPLATE_NOT_FOUND", "Template not found", nil)
	} else if err != nil {
		return nil, fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query template", err.Error())
	}
	return &tpl, nil
}

func listTemplates(c echo.Context) error {
	page, pageSize := parsePagination(c)
	query := GetDB(c).Model(&domain.NotifyTemplate{})
	if name := strings.TrimSpace(c.QueryParam("name")); name != "" {
		query = likeFilter(query, "name", name)
	}
	if category := strings.TrimSpace(c.QueryParam("category")); category != "" {
		query = query.Where("category = ?", category)
	}
	var total int64
	if err := query.Count(&total).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query templates", err.Error())
	}
	var templates []domain.NotifyTemplate
	query.Order("name ASC").Offset((page - 1) * pageSize).Limit(pageSize).Find(&templates)
	return paged(c, templates, total, page, pageSize)
}

func getTemplate(c echo.Context) error {
	tpl, err := findTemplate(c)
	if tpl == nil {
		return err
	}
	return ok(c, tpl)
}

func createTemplate(c echo.Context) error {
	var payload templatePayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request parameters", nil)
	}
	if err := c.Validate(&payload); err != nil {
		return handleValidationError(c, err)
	}
	name := strings.TrimSpace(payload.Name)
	if nameTaken(c, name, 0) {
		return fail(c, http.StatusConflict, "NAME_EXISTS", "Template name already exists", nil)
	}
	event := eventPtr(payload.SystemEvent)
	if eventTaken(c, event, 0) {
		return fail(c, http.StatusConflict, "EVENT_BOUND", "Another template is bound to this event", nil)
	}
	tpl := domain.NotifyTemplate{
		ID:          common.UUIDint64(),
		Name:        name,
		Category:    payload.Category,
		Content:     payload.Content,
		SystemEvent: event,
		Remark:      payload.Remark,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	if err := GetDB(c).Create(&tpl).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "CREATE_FAILED", "Failed to create template", err.Error())
	}
	oprLog(c, "template.create", "create template "+tpl.Name)
	return ok(c, tpl)
}

func updateTemplate(c echo.Context) error {
	tpl, err := findTemplate(c)
	if tpl == nil {
		return err
	}
	var payload templateUpdatePayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request parameters", nil)
	}
	if err := c.Validate(&payload); err != nil {
		return handleValidationError(c, err)
	}

	updates := map[string]interface{}{}
	if name := strings.TrimSpace(payload.Name); name != "" && name != tpl.Name {
		if nameTaken(c, name, tpl.ID) {
			return fail(c, http.StatusConflict, "NAME_EXISTS", "Template name already exists", nil)
		}
		updates["name"] = name
	}
	if payload.Category != "" {
		updates["category"] = payload.Category
	}
	if payload.Content != "" {
		updates["content"] = payload.Content
	}
	if payload.SystemEvent != nil {
		event := eventPtr(*payload.SystemEvent)
		if eventTaken(c, event, tpl.ID) {
			return fail(c, http.StatusConflict, "EVENT_BOUND", "Another template is bound to this event", nil)
		}
		updates["system_event"] = event
	}
	if payload.Remark != "" {
		updates["remark"] = payload.Remark
	}
	updates["updated_at"] = time.Now()
	if err := GetDB(c).Model(tpl).Updates(updates).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "UPDATE_FAILED", "Failed to update template", err.Error())
	}
	GetDB(c).Where("id = ?", tpl.ID).First(tpl)
	oprLog(c, "template.update", "update template "+tpl.Name)
	return ok(c, tpl)
}

func deleteTemplate(c echo.Context) error {
	tpl, err := findTemplate(c)
	if tpl == nil {
		return err
	}
	if err := GetDB(c).Delete(tpl).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DELETE_FAILED", "Failed to delete template", err.Error())
	}
	oprLog(c, "template.delete", "delete template "+tpl.Name)
	return c.NoContent(http.StatusNoContent)
}

// previewTemplate renders the template with the given variables without
// sending anything. Placeholders without a value are listed as unresolved.
func previewTemplate(c echo.Context) error {
	tpl, err := findTemplate(c)
	if tpl == nil {
		return err
	}
	var payload previewPayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request parameters", nil)
	}
	unresolved := []string{}
	for _, key := range notify.Placeholders(tpl.Content) {
		if _, found := payload.Vars[key]; !found {
			unresolved = append(unresolved, key)
		}
	}
	return ok(c, map[string]interface{}{
		"text":       notify.Render(tpl.Content, payload.Vars),
		"unresolved": unresolved,
	})
}
