package adminapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/talkincode/wagate/internal/app"
	"github.com/talkincode/wagate/internal/domain"
	"github.com/talkincode/wagate/internal/webserver"
	"github.com/talkincode/wagate/pkg/common"
)

var sortableSchedulerFields = map[string]bool{
	"id": true, "name": true, "task_type": true, "status": true,
	"next_run_at": true, "last_run_at": true, "created_at": true,
}

// schedulerPayload represents the scheduler request structure
type schedulerPayload struct {
	Name     string `json:"name" validate:"required,min=1,max=100"`
	TaskType string `json:"task_type" validate:"required,max=50"`
	Interval int    `json:"interval" validate:"required,min=10"`
	Status   string `json:"status" validate:"omitempty,oneof=enabled disabled"`
	Config   string `json:"config" validate:"omitempty,max=2000"`
	Remark   string `json:"remark" validate:"omitempty,max=500"`
}

// schedulerUpdatePayload relaxes validation rules for partial updates
type schedulerUpdatePayload struct {
	Name     string `json:"name" validate:"omitempty,min=1,max=100"`
	TaskType string `json:"task_type" validate:"omitempty,max=50"`
	Interval int    `json:"interval" validate:"omitempty,min=10"`
	Status   string `json:"status" validate:"omitempty,oneof=enabled disabled"`
	Config   string `json:"config" validate:"omitempty,max=2000"`
	Remark   string `json:"remark" validate:"omitempty,max=500"`
}

// registerSchedulerRoutes registers scheduler API routes
func registerSchedulerRoutes() {
	webserver.ApiGET("/notify/schedulers", ListSchedulers)
	webserver.ApiGET("/notify/schedulers/:id", GetScheduler)
	webserver.ApiPOST("/notify/schedulers", CreateScheduler)
	webserver.ApiPUT("/notify/schedulers/:id", UpdateScheduler)
	webserver.ApiDELETE("/notify/schedulers/:id", DeleteScheduler)
	webserver.ApiPOST("/notify/schedulers/:id/run", TriggerScheduler)
	webserver.ApiGET("/notify/scheduler-types", ListSchedulerTypes)
}

// ListSchedulerTypes returns the task types a scheduler can run
func ListSchedulerTypes(c echo.Context) error {
	return ok(c, GetAppContext(c).TaskTypes())
}

// checkTask rejects unknown task types and configs that are not JSON objects.
func checkTask(appCtx app.AppContext, taskType, config string) error {
	if taskType != "" {
		known := false
		for _, t := range appCtx.TaskTypes() {
			if t == taskType {
				known = true
				break
			}
		}
		if !known {
			return fmt.Errorf("unsupported task type %q, expected one of %s", taskType, strings.Join(appCtx.TaskTypes(), ", "))
		}
	}
	if strings.TrimSpace(config) != "" {
		var m map[string]interface{}
		if err := json.Unmarshal([]byte(config), &m); err != nil {
			return fmt.Errorf("config must be a JSON object: %v", err)
		}
	}
	return nil
}

// TriggerScheduler triggers the scheduler immediately
func TriggerScheduler(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid scheduler ID", nil)
	}

	appCtx := GetAppContext(c)
	if err := appCtx.RunSchedulerNow(c.Request().Context(), id); err != nil {
		return fail(c, http.StatusInternalServerError, "RUN_FAILED", "Failed to run scheduler", err.Error())
	}
	oprLog(c, "scheduler.run", "run scheduler "+c.Param("id"))

	var scheduler domain.NotifyScheduler
	GetDB(c).First(&scheduler, id)
	return ok(c, scheduler)
}

// ListSchedulers retrieves the scheduler list
// @Summary get the scheduler list
// @Tags Schedulers
// @Param page query int false "Page number"
// @Param perPage query int false "Items per page"
// @Param sort query string false "Sort field"
// @Param order query string false "Sort direction"
// @Param name query string false "Scheduler name"
// @Param status query string false "Scheduler status"
// @Param task_type query string false "Task type"
// @Success 200 {object} ListResponse
// @Router /api/v1/notify/schedulers [get]
func ListSchedulers(c echo.Context) error {
	db := GetDB(c)
	page, perPage := parsePagination(c)

	sortField := c.QueryParam("sort")
	order := c.QueryParam("order")
	if !sortableSchedulerFields[sortField] {
		sortField = "id"
	}
	if order != "ASC" && order != "DESC" {
		order = "DESC"
	}

	var total int64
	var schedulers []domain.NotifyScheduler

	query := db.Model(&domain.NotifyScheduler{})

	// Filter by name (case-insensitive)
	if name := strings.TrimSpace(c.QueryParam("name")); name != "" {
		query = likeFilter(query, "name", name)
	}

	// Filter by status
	if status := strings.TrimSpace(c.QueryParam("status")); status != "" {
		query = query.Where("status = ?", status)
	}

	// Filter by task type
	if taskType := strings.TrimSpace(c.QueryParam("task_type")); taskType != "" {
		query = query.Where("task_type = ?", taskType)
	}

	query.Count(&total)

	offset := (page - 1) * perPage
	query.Order(sortField + " " + order).Limit(perPage).Offset(offset).Find(&schedulers)

	return paged(c, schedulers, total, page, perPage)
}

// GetScheduler fetches a single scheduler
// @Summary get scheduler detail
// @Tags Schedulers
// @Param id path int true "Scheduler ID"
// @Success 200 {object} domain.NotifyScheduler
// @Router /api/v1/notify/schedulers/{id} [get]
func GetScheduler(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid scheduler ID", nil)
	}

	var scheduler domain.NotifyScheduler
	if err := GetDB(c).First(&scheduler, id).Error; err != nil {
		return fail(c, http.StatusNotFound, "NOT_FOUND", "Scheduler not found", nil)
	}

	return ok(c, scheduler)
}

// CreateScheduler creates a scheduler
// @Summary create a scheduler
// @Tags Schedulers
// @Param scheduler body schedulerPayload true "Scheduler information"
// @Success 201 {object} domain.NotifyScheduler
// @Router /api/v1/notify/schedulers [post]
func CreateScheduler(c echo.Context) error {
	var payload schedulerPayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request parameters", err.Error())
	}

	// Validate the request payload
	if err := c.Validate(&payload); err != nil {
		return handleValidationError(c, err)
	}

	if err := checkTask(GetAppContext(c), payload.TaskType, payload.Config); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_TASK", err.Error(), nil)
	}

	// Check whether the name already exists
	var count int64
	GetDB(c).Model(&domain.NotifyScheduler{}).Where("name = ?", payload.Name).Count(&count)
	if count > 0 {
		return fail(c, http.StatusConflict, "NAME_EXISTS", "Scheduler name already exists", nil)
	}

	// Set default values
	if payload.Status == "" {
		payload.Status = common.ENABLED
	}

	now := time.Now()
	scheduler := domain.NotifyScheduler{
		ID:        common.UUIDint64(),
		Name:      payload.Name,
		TaskType:  payload.TaskType,
		Interval:  payload.Interval,
		Status:    payload.Status,
		Config:    payload.Config,
		Remark:    payload.Remark,
		NextRunAt: now.Add(time.Duration(payload.Interval) * time.Second),
	}

	if err := GetDB(c).Create(&scheduler).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "CREATE_FAILED", "Failed to create scheduler", err.Error())
	}
	oprLog(c, "scheduler.create", "create scheduler "+scheduler.Name)

	return ok(c, scheduler)
}

// UpdateScheduler updates a scheduler
// @Summary update a scheduler
// @Tags Schedulers
// @Param id path int true "Scheduler ID"
// @Param scheduler body schedulerUpdatePayload true "Scheduler information"
// @Success 200 {object} domain.NotifyScheduler
// @Router /api/v1/notify/schedulers/{id} [put]
func UpdateScheduler(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid scheduler ID", nil)
	}

	var scheduler domain.NotifyScheduler
	if err := GetDB(c).First(&scheduler, id).Error; err != nil {
		return fail(c, http.StatusNotFound, "NOT_FOUND", "Scheduler not found", nil)
	}

	var payload schedulerUpdatePayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request parameters", err.Error())
	}

	if err := c.Validate(&payload); err != nil {
		return handleValidationError(c, err)
	}
	if err := checkTask(GetAppContext(c), payload.TaskType, payload.Config); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_TASK", err.Error(), nil)
	}

	// Check name uniqueness if name is being changed
	if payload.Name != "" && payload.Name != scheduler.Name {
		var count int64
		GetDB(c).Model(&domain.NotifyScheduler{}).Where("name = ? AND id != ?", payload.Name, id).Count(&count)
		if count > 0 {
			return fail(c, http.StatusConflict, "NAME_EXISTS", "Scheduler name already exists", nil)
		}
	}

	// Build update map
	updates := make(map[string]interface{})
	if payload.Name != "" {
		updates["name"] = payload.Name
	}
	if payload.TaskType != "" {
		updates["task_type"] = payload.TaskType
	}
	if payload.Interval > 0 {
		updates["interval"] = payload.Interval
		// Recalculate next run time
		updates["next_run_at"] = time.Now().Add(time.Duration(payload.Interval) * time.Second)
	}
	if payload.Status != "" {
		updates["status"] = payload.Status
	}
	if payload.Config != "" {
		updates["config"] = payload.Config
	}
	if payload.Remark != "" {
		updates["remark"] = payload.Remark
	}

	if len(updates) > 0 {
		if err := GetDB(c).Model(&scheduler).Updates(updates).Error; err != nil {
			return fail(c, http.StatusInternalServerError, "UPDATE_FAILED", "Failed to update scheduler", err.Error())
		}
	}

	// Reload the scheduler
	GetDB(c).First(&scheduler, id)
	oprLog(c, "scheduler.update", "update scheduler "+scheduler.Name)

	return ok(c, scheduler)
}

// DeleteScheduler deletes a scheduler
// @Summary delete a scheduler
// @Tags Schedulers
// @Param id path int true "Scheduler ID"
// @Success 204 "No Content"
// @Router /api/v1/notify/schedulers/{id} [delete]
func DeleteScheduler(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid scheduler ID", nil)
	}

	var scheduler domain.NotifyScheduler
	if err := GetDB(c).First(&scheduler, id).Error; err != nil {
		return fail(c, http.StatusNotFound, "NOT_FOUND", "Scheduler not found", nil)
	}

	if err := GetDB(c).Delete(&scheduler).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DELETE_FAILED", "Failed to delete scheduler", err.Error())
	}
	oprLog(c, "scheduler.delete", "delete scheduler "+scheduler.Name)

	return c.NoContent(http.StatusNoContent)
}
