package adminapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/talkincode/wagate/internal/domain"
	"github.com/talkincode/wagate/internal/webserver"
	"github.com/talkincode/wagate/internal/whatsapp"
	"github.com/talkincode/wagate/pkg/common"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func registerWhatsAppRoutes() {
	webserver.ApiGET("/whatsapp/sessions", listWhatsAppSessions)
	webserver.ApiGET("/whatsapp/sessions/:identity", getWhatsAppSession)
	webserver.ApiGET("/whatsapp/sessions/:identity/qr", getWhatsAppQR)
	webserver.ApiGET("/whatsapp/sessions/:identity/qr.png", getWhatsAppQRImage)
	webserver.ApiPOST("/whatsapp/sessions/:identity/start", postWhatsAppStart)
	webserver.ApiPOST("/whatsapp/sessions/:identity/reconnect", postWhatsAppReconnect)
	webserver.ApiPOST("/whatsapp/sessions/:identity/logout", postWhatsAppLogout)
	webserver.ApiGET("/whatsapp/events", getWhatsAppEvents)

	webserver.ApiGET("/whatsapp/linked", listLinkedSessions)
	webserver.ApiPOST("/whatsapp/linked", createLinkedSession)
	webserver.ApiDELETE("/whatsapp/linked/:id", deleteLinkedSession)
}

// sessionView is the admin view of one session identity.
type sessionView struct {
	Identity         whatsapp.SessionIdentity `json:"identity"`
	State            whatsapp.ConnectionState `json:"state"`
	Connected        bool                     `json:"connected"`
	Label            string                   `json:"label,omitempty"`
	Since            time.Time                `json:"since"`
	ReconnectPending bool                     `json:"reconnect_pending"`
	HasQR            bool                     `json:"has_qr"`
}

func viewOf(svc *whatsapp.Service, st whatsapp.Status) sessionView {
	_, hasQR := svc.Pairing.CurrentPairing(st.Identity)
	return sessionView{
		Identity:         st.Identity,
		State:            st.State,
		Connected:        st.State == whatsapp.StateOpen,
		Label:            st.Label,
		Since:            st.Since,
		ReconnectPending: svc.Supervisor.ReconnectPending(st.Identity),
		HasQR:            hasQR,
	}
}

func waUnavailable(c echo.Context) error {
	return fail(c, http.StatusServiceUnavailable, "WA_NOT_INITIALIZED", "WhatsApp service not initialized", nil)
}

func invalidIdentity(c echo.Context) error {
	return fail(c, http.StatusBadRequest, "INVALID_IDENTITY", "Invalid session identity", nil)
}

func identityParam(c echo.Context) (whatsapp.SessionIdentity, bool) {
	id := whatsapp.SessionIdentity(strings.TrimSpace(c.Param("identity")))
	return id, whatsapp.ValidIdentity(id)
}

func listWhatsAppSessions(c echo.Context) error {
	svc := GetWhatsApp(c)
	if svc == nil {
		return waUnavailable(c)
	}
	statuses := svc.Supervisor.Identities()
	out := make([]sessionView, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, viewOf(svc, st))
	}
	return ok(c, out)
}

func getWhatsAppSession(c echo.Context) error {
	svc := GetWhatsApp(c)
	if svc == nil {
		return waUnavailable(c)
	}
	id, valid := identityParam(c)
	if !valid {
		return invalidIdentity(c)
	}
	st, found := svc.Status.Get(id)
	if !found {
		st = whatsapp.Status{Identity: id}
	}
	return ok(c, viewOf(svc, st))
}

// getWhatsAppQR returns the pending pairing payload of an identity, with a
// PNG data URL the frontend can show directly.
func getWhatsAppQR(c echo.Context) error {
	svc := GetWhatsApp(c)
	if svc == nil {
		return waUnavailable(c)
	}
	id, valid := identityParam(c)
	if !valid {
		return invalidIdentity(c)
	}
	p, found := svc.Pairing.CurrentPairing(id)
	if !found {
		return ok(c, map[string]interface{}{"code": "", "has_qr": false})
	}
	size, _ := strconv.Atoi(c.QueryParam("size"))
	dataURL, err := whatsapp.QRDataURL(p.Data, size)
	if err != nil {
		zap.L().Warn("adminapi: render qr failed", zap.String("identity", string(id)), zap.Error(err))
	}
	return ok(c, map[string]interface{}{
		"code":       p.Data,
		"has_qr":     true,
		"emitted_at": p.EmittedAt,
		"data_url":   dataURL,
	})
}

func getWhatsAppQRImage(c echo.Context) error {
	svc := GetWhatsApp(c)
	if svc == nil {
		return waUnavailable(c)
	}
	id, valid := identityParam(c)
	if !valid {
		return invalidIdentity(c)
	}
	p, found := svc.Pairing.CurrentPairing(id)
	if !found {
		return fail(c, http.StatusNotFound, "NO_QR", "No pairing code pending", nil)
	}
	size, _ := strconv.Atoi(c.QueryParam("size"))
	png, err := whatsapp.QRPNG(p.Data, size)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "QR_FAILED", "Failed to render QR code", err.Error())
	}
	c.Response().Header().Set(echo.HeaderCacheControl, "no-store")
	return c.Blob(http.StatusOK, "image/png", png)
}

func postWhatsAppStart(c echo.Context) error {
	svc := GetWhatsApp(c)
	if svc == nil {
		return waUnavailable(c)
	}
	id, valid := identityParam(c)
	if !valid {
		return invalidIdentity(c)
	}
	if _, err := svc.Start(c.Request().Context(), id); err != nil {
		return fail(c, http.StatusBadGateway, "START_FAILED", "Failed to start session", err.Error())
	}
	oprLog(c, "whatsapp.start", "start session "+string(id))
	st, _ := svc.Status.Get(id)
	st.Identity = id
	return ok(c, viewOf(svc, st))
}

func postWhatsAppReconnect(c echo.Context) error {
	svc := GetWhatsApp(c)
	if svc == nil {
		return waUnavailable(c)
	}
	id, valid := identityParam(c)
	if !valid {
		return invalidIdentity(c)
	}
	if _, err := svc.Supervisor.ForceReconnect(c.Request().Context(), id); err != nil {
		return fail(c, http.StatusBadGateway, "RECONNECT_FAILED", "Failed to reconnect session", err.Error())
	}
	oprLog(c, "whatsapp.reconnect", "force reconnect "+string(id))
	st, _ := svc.Status.Get(id)
	st.Identity = id
	return ok(c, viewOf(svc, st))
}

func postWhatsAppLogout(c echo.Context) error {
	svc := GetWhatsApp(c)
	if svc == nil {
		return waUnavailable(c)
	}
	id, valid := identityParam(c)
	if !valid {
		return invalidIdentity(c)
	}
	if err := svc.Supervisor.Logout(c.Request().Context(), id); err != nil {
		return fail(c, http.StatusInternalServerError, "LOGOUT_FAILED", "Failed to log out session", err.Error())
	}
	oprLog(c, "whatsapp.logout", "logout session "+string(id))
	return ok(c, map[string]interface{}{"identity": id, "logged_out": true})
}

// getWhatsAppEvents streams realtime session events over a websocket. The
// token may be passed as ?token= since browsers cannot set headers here.
func getWhatsAppEvents(c echo.Context) error {
	svc := GetWhatsApp(c)
	if svc == nil {
		return waUnavailable(c)
	}
	id := whatsapp.SessionIdentity(strings.TrimSpace(c.QueryParam("identity")))
	if id != "" && !whatsapp.ValidIdentity(id) {
		return invalidIdentity(c)
	}
	if err := svc.Hub.ServeWS(c.Response(), c.Request(), id); err != nil {
		zap.L().Debug("adminapi: realtime stream ended", zap.Error(err))
	}
	return nil
}

type linkedSessionPayload struct {
	UserID   int64  `json:"user_id,string" validate:"required"`
	Identity string `json:"identity" validate:"required,max=128"`
}

func listLinkedSessions(c echo.Context) error {
	page, pageSize := parsePagination(c)
	query := GetDB(c).Model(&domain.WhatsAppSession{})
	if uid := strings.TrimSpace(c.QueryParam("user_id")); uid != "" {
		query = query.Where("user_id = ?", uid)
	}
	if status := strings.TrimSpace(c.QueryParam("status")); status != "" {
		query = query.Where("status = ?", status)
	}
	var total int64
	if err := query.Count(&total).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query linked sessions", err.Error())
	}
	var rows []domain.WhatsAppSession
	query.Order("updated_at DESC").Offset((page - 1) * pageSize).Limit(pageSize).Find(&rows)
	return paged(c, rows, total, page, pageSize)
}

// createLinkedSession binds a session identity to a user. The row turns
// connected when that identity opens.
func createLinkedSession(c echo.Context) error {
	var payload linkedSessionPayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request parameters", nil)
	}
	if err := c.Validate(&payload); err != nil {
		return handleValidationError(c, err)
	}
	id := whatsapp.SessionIdentity(strings.TrimSpace(payload.Identity))
	if !whatsapp.ValidIdentity(id) {
		return invalidIdentity(c)
	}
	var user domain.SaasUser
	if err := GetDB(c).Where("id = ?", payload.UserID).First(&user).Error; errors.Is(err, gorm.ErrRecordNotFound) {
		return fail(c, http.StatusNotFound, "USER_NOT_FOUND", "User not found", nil)
	} else if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query user", err.Error())
	}
	var count int64
	GetDB(c).Model(&domain.WhatsAppSession{}).Where("identity = ?", string(id)).Count(&count)
	if count > 0 {
		return fail(c, http.StatusConflict, "IDENTITY_EXISTS", "Identity is already linked", nil)
	}

	row := domain.WhatsAppSession{
		ID:        common.UUIDint64(),
		UserId:    user.ID,
		Identity:  string(id),
		Status:    domain.SessionDisconnected,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if svc := GetWhatsApp(c); svc != nil && svc.Status.IsConnected(id) {
		row.Status = domain.SessionConnected
		if label, ok := svc.Status.CurrentIdentityLabel(id); ok {
			row.Phone = label
			row.Jid = label + "@s.whatsapp.net"
		}
	}
	if err := GetDB(c).Create(&row).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "CREATE_FAILED", "Failed to link session", err.Error())
	}
	oprLog(c, "whatsapp.link", "link "+string(id)+" to user "+strconv.FormatInt(user.ID, 10))
	return ok(c, row)
}

func deleteLinkedSession(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid linked session ID", nil)
	}
	res := GetDB(c).Where("id = ?", id).Delete(&domain.WhatsAppSession{})
	if res.Error != nil {
		return fail(c, http.StatusInternalServerError, "DELETE_FAILED", "Failed to unlink session", res.Error.Error())
	}
	if res.RowsAffected == 0 {
		return fail(c, http.StatusNotFound, "NOT_FOUND", "Linked session not found", nil)
	}
	oprLog(c, "whatsapp.unlink", "unlink session "+strconv.FormatInt(id, 10))
	return ok(c, map[string]interface{}{"id": id})
}
