package adminapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/talkincode/wagate/internal/domain"
	"github.com/talkincode/wagate/internal/notify"
	"github.com/talkincode/wagate/internal/webserver"
)

type sendPayload struct {
	UserID int64  `json:"user_id,string" validate:"omitempty"`
	Phone  string `json:"phone" validate:"omitempty,max=32"`
	Admin  bool   `json:"admin"`
	Text   string `json:"text" validate:"required,max=4096"`
}

type templateSendPayload struct {
	UserID   int64                  `json:"user_id,string" validate:"required"`
	Template string                 `json:"template" validate:"required,max=128"`
	Vars     map[string]interface{} `json:"vars"`
}

type eventSendPayload struct {
	UserID int64                  `json:"user_id,string" validate:"required"`
	Event  string                 `json:"event" validate:"required,max=128"`
	Vars   map[string]interface{} `json:"vars"`
}

type broadcastPayload struct {
	Template string                 `json:"template" validate:"required_without=Event,max=128"`
	Event    string                 `json:"event" validate:"required_without=Template,max=128"`
	Vars     map[string]interface{} `json:"vars"`
}

func registerNotifyRoutes() {
	webserver.ApiPOST("/notify/send", postNotifySend)
	webserver.ApiPOST("/notify/template", postNotifyTemplate)
	webserver.ApiPOST("/notify/event", postNotifyEvent)
	webserver.ApiPOST("/notify/broadcast", postNotifyBroadcast)
	webserver.ApiGET("/notify/broadcast", getNotifyBroadcast)
	webserver.ApiGET("/notify/logs", listNotifyLogs)
}

// resultStatus maps a dispatch result to the HTTP status it is served with.
func resultStatus(res notify.Result) int {
	switch res.Kind {
	case notify.KindNone:
		return http.StatusOK
	case notify.NoActiveSession, notify.StoreUnavailable:
		return http.StatusServiceUnavailable
	case notify.TemplateNotFound, notify.NoTemplateForEvent:
		return http.StatusNotFound
	case notify.InvalidDestination, notify.NoPhoneAvailable:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}

func result(c echo.Context, res notify.Result) error {
	return c.JSON(resultStatus(res), map[string]interface{}{"data": res})
}

func notifyUnavailable(c echo.Context) error {
	return fail(c, http.StatusServiceUnavailable, "NOTIFY_NOT_INITIALIZED", "Notification service not initialized", nil)
}

// postNotifySend sends a plain text to a user, a phone number or the admin.
// Exactly one destination must be given.
func postNotifySend(c echo.Context) error {
	svc := GetNotify(c)
	if svc == nil {
		return notifyUnavailable(c)
	}
	var payload sendPayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request parameters", nil)
	}
	if err := c.Validate(&payload); err != nil {
		return handleValidationError(c, err)
	}

	var dests []notify.Destination
	if payload.UserID != 0 {
		dests = append(dests, notify.ToUser(payload.UserID))
	}
	if strings.TrimSpace(payload.Phone) != "" {
		dests = append(dests, notify.ToPhone(payload.Phone))
	}
	if payload.Admin {
		dests = append(dests, notify.ToAdmin())
	}
	if len(dests) != 1 {
		return fail(c, http.StatusBadRequest, "INVALID_DESTINATION", "Give exactly one of user_id, phone or admin", nil)
	}
	res := svc.SendPlain(c.Request().Context(), dests[0], payload.Text)
	oprLog(c, "notify.send", "plain message to "+dests[0].String()+": "+res.Kind.String())
	return result(c, res)
}

func postNotifyTemplate(c echo.Context) error {
	svc := GetNotify(c)
	if svc == nil {
		return notifyUnavailable(c)
	}
	var payload templateSendPayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request parameters", nil)
	}
	if err := c.Validate(&payload); err != nil {
		return handleValidationError(c, err)
	}
	res := svc.SendNamedTemplate(c.Request().Context(), payload.UserID, payload.Template, payload.Vars)
	oprLog(c, "notify.template", "template "+payload.Template+" to user "+strconv.FormatInt(payload.UserID, 10)+": "+res.Kind.String())
	return result(c, res)
}

func postNotifyEvent(c echo.Context) error {
	svc := GetNotify(c)
	if svc == nil {
		return notifyUnavailable(c)
	}
	var payload eventSendPayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request parameters", nil)
	}
	if err := c.Validate(&payload); err != nil {
		return handleValidationError(c, err)
	}
	res := svc.SendSystemEventTemplate(c.Request().Context(), payload.UserID, payload.Event, payload.Vars)
	oprLog(c, "notify.event", "event "+payload.Event+" to user "+strconv.FormatInt(payload.UserID, 10)+": "+res.Kind.String())
	return result(c, res)
}

// postNotifyBroadcast starts a background broadcast and returns at once.
// Poll GET /notify/broadcast for the report.
func postNotifyBroadcast(c echo.Context) error {
	svc := GetNotify(c)
	if svc == nil {
		return notifyUnavailable(c)
	}
	var payload broadcastPayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request parameters", nil)
	}
	if err := c.Validate(&payload); err != nil {
		return handleValidationError(c, err)
	}
	if payload.Template != "" && payload.Event != "" {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Give either template or event, not both", nil)
	}

	var (
		job notify.BroadcastJob
		err error
	)
	if payload.Template != "" {
		job, err = svc.Async.BroadcastNamedTemplate(payload.Template, payload.Vars)
	} else {
		job, err = svc.Async.BroadcastSystemEventTemplate(payload.Event, payload.Vars)
	}
	if errors.Is(err, notify.ErrBroadcastBusy) {
		return c.JSON(http.StatusConflict, ErrorResponse{
			Error:   "BROADCAST_RUNNING",
			Message: "Another broadcast is still running",
			Details: job,
		})
	}
	if err != nil {
		return fail(c, http.StatusInternalServerError, "BROADCAST_FAILED", "Failed to start broadcast", err.Error())
	}
	oprLog(c, "notify.broadcast", job.Kind+" "+job.Target)
	return c.JSON(http.StatusAccepted, map[string]interface{}{"data": job})
}

func getNotifyBroadcast(c echo.Context) error {
	svc := GetNotify(c)
	if svc == nil {
		return notifyUnavailable(c)
	}
	job, found := svc.Async.Last()
	if !found {
		return fail(c, http.StatusNotFound, "NOT_FOUND", "No broadcast has run yet", nil)
	}
	return ok(c, job)
}

func listNotifyLogs(c echo.Context) error {
	page, pageSize := parsePagination(c)
	query := GetDB(c).Model(&domain.NotifyLog{})
	if kind := strings.TrimSpace(c.QueryParam("kind")); kind != "" {
		query = query.Where("kind = ?", kind)
	}
	if v := strings.TrimSpace(c.QueryParam("success")); v != "" {
		success, err := strconv.ParseBool(v)
		if err != nil {
			return fail(c, http.StatusBadRequest, "INVALID_FILTER", "success must be true or false", nil)
		}
		query = query.Where("success = ?", success)
	}
	if target := strings.TrimSpace(c.QueryParam("target")); target != "" {
		query = likeFilter(query, "target", target)
	}
	var total int64
	if err := query.Count(&total).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query notification logs", err.Error())
	}
	var logs []domain.NotifyLog
	query.Order("created_at DESC").Offset((page - 1) * pageSize).Limit(pageSize).Find(&logs)
	return paged(c, logs, total, page, pageSize)
}
