package adminapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cast"
	"github.com/talkincode/wagate/internal/webserver"
)

func registerSettingsRoutes() {
	webserver.ApiGET("/system/settings", getSettings)
	webserver.ApiPUT("/system/settings", updateSettings)
}

func getSettings(c echo.Context) error {
	cm := GetAppContext(c).ConfigMgr()
	return ok(c, map[string]interface{}{
		"values":  cm.All(),
		"schemas": cm.Schemas(),
	})
}

// updateSettings stores "category.name" keyed values. Unknown keys and
// values that do not convert to the declared type are rejected as a whole.
// Notify settings apply from the next start.
func updateSettings(c echo.Context) error {
	var payload map[string]interface{}
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request parameters", nil)
	}
	if len(payload) == 0 {
		return fail(c, http.StatusBadRequest, "EMPTY_SETTINGS", "No settings given", nil)
	}

	appCtx := GetAppContext(c)
	types := make(map[string]string)
	for _, s := range appCtx.ConfigMgr().Schemas() {
		types[s.Key] = s.Type
	}
	invalid := make(map[string]string)
	for k, v := range payload {
		typ, known := types[k]
		if !known {
			invalid[k] = "unknown setting"
			continue
		}
		var err error
		switch typ {
		case "int":
			_, err = cast.ToInt64E(v)
		case "bool":
			_, err = cast.ToBoolE(v)
		}
		if err != nil {
			invalid[k] = "expected " + typ
		}
	}
	if len(invalid) > 0 {
		return fail(c, http.StatusBadRequest, "INVALID_SETTINGS", "Some settings were rejected", invalid)
	}

	if err := appCtx.SaveSettings(payload); err != nil {
		return fail(c, http.StatusInternalServerError, "SAVE_FAILED", "Failed to save settings", err.Error())
	}
	for k := range payload {
		oprLog(c, "settings.update", "update "+k)
	}
	return ok(c, appCtx.ConfigMgr().All())
}
