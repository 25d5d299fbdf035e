package adminapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"gorm.io/gorm"

	"github.com/talkincode/wagate/internal/domain"
	"github.com/talkincode/wagate/internal/webserver"
	"github.com/talkincode/wagate/pkg/common"
)

func registerUserRoutes() {
	webserver.ApiGET("/system/users", listUsers)
	webserver.ApiGET("/system/users/:id", getUser)
	webserver.ApiPOST("/system/users", createUser)
	webserver.ApiPUT("/system/users/:id", updateUser)
	webserver.ApiDELETE("/system/users/:id", deleteUser)
}

func listUsers(c echo.Context) error {
	page, pageSize := parsePagination(c)

	base := GetDB(c).Model(&domain.SaasUser{})
	if name := strings.TrimSpace(c.QueryParam("name")); name != "" {
		base = likeFilter(base, "name", name)
	}
	if status := strings.TrimSpace(c.QueryParam("status")); status != "" {
		base = base.Where("status = ?", status)
	}

	var total int64
	if err := base.Count(&total).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query users", err.Error())
	}

	var users []domain.SaasUser
	if err := base.Order("id DESC").Offset((page - 1) * pageSize).Limit(pageSize).Find(&users).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query users", err.Error())
	}
	return paged(c, users, total, page, pageSize)
}

func getUser(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid user ID", nil)
	}
	var u domain.SaasUser
	if err := GetDB(c).Where("id = ?", id).First(&u).Error; errors.Is(err, gorm.ErrRecordNotFound) {
		return fail(c, http.StatusNotFound, "USER_NOT_FOUND", "User not found", nil)
	} else if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query user", err.Error())
	}
	return ok(c, u)
}

type userPayload struct {
	Name   string `json:"name" validate:"omitempty,max=128"`
	Email  string `json:"email" validate:"omitempty,email,max=128"`
	Phone  string `json:"phone" validate:"omitempty,max=32"`
	Plan   string `json:"plan" validate:"omitempty,max=64"`
	Status string `json:"status" validate:"omitempty,oneof=enabled disabled"`
	Remark string `json:"remark" validate:"omitempty,max=500"`
}

func phoneTaken(c echo.Context, phone string, exceptID int64) bool {
	var dup domain.SaasUser
	return GetDB(c).Where("phone = ? AND id <> ?", phone, exceptID).First(&dup).Error == nil
}

func createUser(c echo.Context) error {
	var payload userPayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse user parameters", nil)
	}
	if err := c.Validate(&payload); err != nil {
		return handleValidationError(c, err)
	}
	if strings.TrimSpace(payload.Name) == "" {
		return fail(c, http.StatusBadRequest, "MISSING_NAME", "User name is required", nil)
	}
	if payload.Phone != "" && phoneTaken(c, payload.Phone, 0) {
		return fail(c, http.StatusConflict, "DUPLICATE_USER", "User with this phone already exists", nil)
	}
	if payload.Status == "" {
		payload.Status = common.ENABLED
	}

	u := domain.SaasUser{
		ID:        common.UUIDint64(),
		Name:      strings.TrimSpace(payload.Name),
		Email:     payload.Email,
		Phone:     payload.Phone,
		Plan:      payload.Plan,
		Status:    payload.Status,
		Remark:    payload.Remark,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := GetDB(c).Create(&u).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to create user", err.Error())
	}
	oprLog(c, "user.create", "create user "+u.Name)
	return ok(c, u)
}

func updateUser(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid user ID", nil)
	}
	var payload userPayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse user parameters", nil)
	}
	if err := c.Validate(&payload); err != nil {
		return handleValidationError(c, err)
	}
	var u domain.SaasUser
	if err := GetDB(c).Where("id = ?", id).First(&u).Error; errors.Is(err, gorm.ErrRecordNotFound) {
		return fail(c, http.StatusNotFound, "USER_NOT_FOUND", "User not found", nil)
	} else if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query user", err.Error())
	}
	updates := map[string]interface{}{}
	if payload.Name != "" {
		updates["name"] = strings.TrimSpace(payload.Name)
	}
	if payload.Email != "" {
		updates["email"] = payload.Email
	}
	if payload.Phone != "" {
		if phoneTaken(c, payload.Phone, id) {
			return fail(c, http.StatusConflict, "DUPLICATE_USER", "Another user with this phone already exists", nil)
		}
		updates["phone"] = payload.Phone
	}
	if payload.Plan != "" {
		updates["plan"] = payload.Plan
	}
	if payload.Status != "" {
		updates["status"] = payload.Status
	}
	if payload.Remark != "" {
		updates["remark"] = payload.Remark
	}
	updates["updated_at"] = time.Now()
	if err := GetDB(c).Model(&u).Updates(updates).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to update user", err.Error())
	}
	GetDB(c).Where("id = ?", id).First(&u)
	oprLog(c, "user.update", "update user "+u.Name)
	return ok(c, u)
}

// deleteUser removes the user and the sessions it linked.
func deleteUser(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid user ID", nil)
	}
	err = GetDB(c).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", id).Delete(&domain.WhatsAppSession{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&domain.SaasUser{}).Error
	})
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to delete user", err.Error())
	}
	oprLog(c, "user.delete", "delete user")
	return ok(c, map[string]interface{}{"id": id})
}
