package adminapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	jsoniter "github.com/json-iterator/go"
	"github.com/labstack/echo/v4"
	"github.com/talkincode/wagate/internal/app"
	"github.com/talkincode/wagate/internal/domain"
	"github.com/talkincode/wagate/internal/notify"
	"github.com/talkincode/wagate/internal/webserver"
	"github.com/talkincode/wagate/internal/whatsapp"
	"github.com/talkincode/wagate/pkg/common"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Context keys of the services handed to NewServer.
const (
	WhatsAppKey = "whatsapp"
	NotifyKey   = "notify"
)

// Init registers every admin route.
func Init() {
	registerAuthRoutes()
	registerWhatsAppRoutes()
	registerNotifyRoutes()
	registerTemplateRoutes()
	registerUserRoutes()
	registerSchedulerRoutes()
	registerSettingsRoutes()
}

// NewServer registers the routes and builds the admin server over the services.
func NewServer(appCtx app.AppContext, wa *whatsapp.Service, nt *notify.Service) *webserver.AdminServer {
	Init()
	return webserver.NewAdminServer(appCtx, map[string]interface{}{
		WhatsAppKey: wa,
		NotifyKey:   nt,
	})
}

// ListResponse is the envelope of paged lists.
type ListResponse struct {
	Data     interface{} `json:"data"`
	Total    int64       `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
}

// ErrorResponse is the envelope of failures.
type ErrorResponse struct {
	Error   string      `json:"error"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func ok(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusOK, map[string]interface{}{"data": data})
}

func fail(c echo.Context, status int, code, message string, details interface{}) error {
	return c.JSON(status, ErrorResponse{Error: code, Message: message, Details: details})
}

func paged(c echo.Context, data interface{}, total int64, page, pageSize int) error {
	return c.JSON(http.StatusOK, ListResponse{Data: data, Total: total, Page: page, PageSize: pageSize})
}

func parsePagination(c echo.Context) (int, int) {
	page, _ := strconv.Atoi(c.QueryParam("page"))
	pageSize, _ := strconv.Atoi(c.QueryParam("perPage"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 10
	}
	return page, pageSize
}

func parseIDParam(c echo.Context, name string) (int64, error) {
	return strconv.ParseInt(c.Param(name), 10, 64)
}

// likeFilter adds a case-insensitive substring match on column.
func likeFilter(db *gorm.DB, column, value string) *gorm.DB {
	if strings.EqualFold(db.Name(), "postgres") {
		return db.Where(column+" ILIKE ?", "%"+value+"%")
	}
	return db.Where("LOWER("+column+") LIKE ?", "%"+strings.ToLower(value)+"%")
}

func handleValidationError(c echo.Context, err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			fields[strings.ToLower(fe.Field())] = fe.Tag()
		}
		return fail(c, http.StatusBadRequest, "VALIDATION_ERROR", "Request validation failed", fields)
	}
	return fail(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
}

func GetAppContext(c echo.Context) app.AppContext {
	return c.Get(webserver.AppContextKey).(app.AppContext)
}

func GetDB(c echo.Context) *gorm.DB {
	return GetAppContext(c).DB().WithContext(c.Request().Context())
}

func GetWhatsApp(c echo.Context) *whatsapp.Service {
	svc, _ := c.Get(WhatsAppKey).(*whatsapp.Service)
	return svc
}

func GetNotify(c echo.Context) *notify.Service {
	svc, _ := c.Get(NotifyKey).(*notify.Service)
	return svc
}

// oprLog appends an action of the token holder to sys_opr_log.
func oprLog(c echo.Context, action, desc string) {
	logOperator(c, webserver.CurrentOperator(c), action, desc)
}

func logOperator(c echo.Context, username, action, desc string) {
	row := domain.SysOprLog{
		ID:        common.UUIDint64(),
		OprName:   username,
		OprIp:     c.RealIP(),
		OptAction: action,
		OptDesc:   desc,
		OptTime:   time.Now(),
	}
	if err := GetAppContext(c).DB().Create(&row).Error; err != nil {
		zap.L().Warn("adminapi: write operator log failed", zap.String("action", action), zap.Error(err))
	}
}
