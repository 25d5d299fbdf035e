package adminapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/talkincode/wagate/internal/app"
	"github.com/talkincode/wagate/internal/domain"
	"github.com/talkincode/wagate/internal/webserver"
	"github.com/talkincode/wagate/pkg/common"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const tokenTTL = 12 * time.Hour

type loginPayload struct {
	Username string `json:"username" validate:"required,max=64"`
	Password string `json:"password" validate:"required,max=128"`
}

type passwordPayload struct {
	OldPassword string `json:"old_password" validate:"required"`
	NewPassword string `json:"new_password" validate:"required,min=6,max=128"`
}

func registerAuthRoutes() {
	webserver.ApiPOST("/login", login)
	webserver.Public("/login")
	webserver.ApiGET("/auth/me", currentOperator)
	webserver.ApiPUT("/auth/password", changePassword)
	webserver.ApiGET("/system/oprlogs", listOprLogs)
}

// login exchanges operator credentials for a token
// @Summary operator login
// @Tags Auth
// @Param credentials body loginPayload true "Credentials"
// @Router /api/v1/login [post]
func login(c echo.Context) error {
	var payload loginPayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request parameters", nil)
	}
	if err := c.Validate(&payload); err != nil {
		return handleValidationError(c, err)
	}

	var opr domain.SysOpr
	err := GetDB(c).Where("username = ?", strings.TrimSpace(payload.Username)).First(&opr).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query operator", err.Error())
	}
	if err != nil || !app.CheckPassword(opr.Password, payload.Password) {
		zap.L().Warn("adminapi: login rejected",
			zap.String("username", payload.Username), zap.String("ip", c.RealIP()))
		return fail(c, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid username or password", nil)
	}
	if opr.Status != common.ENABLED {
		return fail(c, http.StatusForbidden, "OPERATOR_DISABLED", "Operator is disabled", nil)
	}

	token, err := webserver.CreateToken(GetAppContext(c).Config().Web.Secret, opr.ID, opr.Username, opr.Level, tokenTTL)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "TOKEN_ERROR", "Failed to issue token", err.Error())
	}
	GetDB(c).Model(&opr).Update("last_login", time.Now())
	logOperator(c, opr.Username, "login", "operator login")
	return ok(c, map[string]interface{}{
		"token":      token,
		"expires_in": int(tokenTTL.Seconds()),
		"operator":   opr,
	})
}

func operatorFromToken(c echo.Context) (*domain.SysOpr, error) {
	var opr domain.SysOpr
	err := GetDB(c).Where("username = ?", webserver.CurrentOperator(c)).First(&opr).Error
	return &opr, err
}

func currentOperator(c echo.Context) error {
	opr, err := operatorFromToken(c)
	if err != nil {
		return fail(c, http.StatusNotFound, "OPERATOR_NOT_FOUND", "Operator not found", nil)
	}
	return ok(c, opr)
}

func changePassword(c echo.Context) error {
	var payload passwordPayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request parameters", nil)
	}
	if err := c.Validate(&payload); err != nil {
		return handleValidationError(c, err)
	}
	opr, err := operatorFromToken(c)
	if err != nil {
		return fail(c, http.StatusNotFound, "OPERATOR_NOT_FOUND", "Operator not found", nil)
	}
	if !app.CheckPassword(opr.Password, payload.OldPassword) {
		return fail(c, http.StatusBadRequest, "INVALID_PASSWORD", "Current password is incorrect", nil)
	}
	hashed, err := app.HashPassword(payload.NewPassword)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "HASH_FAILED", "Failed to hash password", err.Error())
	}
	if err := GetDB(c).Model(opr).Updates(map[string]interface{}{
		"password":   hashed,
		"updated_at": time.Now(),
	}).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "UPDATE_FAILED", "Failed to update password", err.Error())
	}
	oprLog(c, "password", "changed own password")
	return ok(c, map[string]interface{}{"updated": true})
}

func listOprLogs(c echo.Context) error {
	page, pageSize := parsePagination(c)
	query := GetDB(c).Model(&domain.SysOprLog{})
	if name := strings.TrimSpace(c.QueryParam("opr_name")); name != "" {
		query = query.Where("opr_name = ?", name)
	}
	if action := strings.TrimSpace(c.QueryParam("action")); action != "" {
		query = query.Where("opt_action = ?", action)
	}
	var total int64
	if err := query.Count(&total).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query operator logs", err.Error())
	}
	var logs []domain.SysOprLog
	query.Order("opt_time DESC").Offset((page - 1) * pageSize).Limit(pageSize).Find(&logs)
	return paged(c, logs, total, page, pageSize)
}
