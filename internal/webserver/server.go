package webserver

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/talkincode/wagate/internal/app"
	"github.com/talkincode/wagate/pkg/metrics"
	"go.uber.org/zap"
)

const (
	ApiPrefix = "/api/v1"

	// Context keys set on every request.
	AppContextKey = "appctx"
	UserKey       = "user"
)

type route struct {
	method  string
	path    string
	handler echo.HandlerFunc
}

var (
	routesMu     sync.Mutex
	routes       []route
	publicRoutes = map[string]bool{}
)

func register(method, path string, h echo.HandlerFunc) {
	routesMu.Lock()
	defer routesMu.Unlock()
	for i, r := range routes {
		if r.method == method && r.path == path {
			routes[i].handler = h
			return
		}
	}
	routes = append(routes, route{method: method, path: path, handler: h})
}

func ApiGET(path string, h echo.HandlerFunc)    { register(http.MethodGet, path, h) }
func ApiPOST(path string, h echo.HandlerFunc)   { register(http.MethodPost, path, h) }
func ApiPUT(path string, h echo.HandlerFunc)    { register(http.MethodPut, path, h) }
func ApiDELETE(path string, h echo.HandlerFunc) { register(http.MethodDelete, path, h) }

// Public marks an API path as reachable without a token.
func Public(path string) {
	routesMu.Lock()
	publicRoutes[ApiPrefix+path] = true
	routesMu.Unlock()
}

func isPublic(path string) bool {
	routesMu.Lock()
	defer routesMu.Unlock()
	return publicRoutes[path]
}

var (
	promOnce       sync.Once
	promMiddleware echo.MiddlewareFunc
)

func prometheusMiddleware() echo.MiddlewareFunc {
	promOnce.Do(func() {
		promMiddleware = echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
			Namespace:  "wagate",
			Subsystem:  "http",
			Registerer: metrics.Registry,
			Skipper: func(c echo.Context) bool {
				return c.Path() == "/metrics"
			},
		})
	})
	return promMiddleware
}

// AdminServer serves the admin API.
type AdminServer struct {
	root   *echo.Echo
	appCtx app.AppContext
	secret string
}

// NewAdminServer builds the echo instance and mounts every registered
// route. values are exposed to handlers through echo.Context.Get.
func NewAdminServer(appCtx app.AppContext, values map[string]interface{}) *AdminServer {
	cfg := appCtx.Config()
	s := &AdminServer{root: echo.New(), appCtx: appCtx, secret: cfg.Web.Secret}
	e := s.root
	e.HideBanner = true
	e.HidePort = true
	e.JSONSerializer = &JSONSerializer{}
	e.Validator = NewValidator()
	if cfg.System.Debug {
		e.Logger.SetLevel(log.DEBUG)
	} else {
		e.Logger.SetLevel(log.INFO)
	}
	e.HTTPErrorHandler = s.errorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(prometheusMiddleware())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
			}
			if v.Error != nil {
				fields = append(fields, zap.Error(v.Error))
			}
			zap.L().Debug("adminapi: request", fields...)
			return nil
		},
	}))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	e.Use(withValues(appCtx, values))

	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	api := e.Group(ApiPrefix)
	api.Use(echojwt.WithConfig(echojwt.Config{
		SigningKey:  []byte(s.secret),
		TokenLookup: "header:" + echo.HeaderAuthorization + ":Bearer ,query:token",
		ContextKey:  UserKey,
		Skipper: func(c echo.Context) bool {
			return isPublic(c.Path())
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid or expired token")
		},
	}))

	routesMu.Lock()
	for _, r := range routes {
		api.Add(r.method, r.path, r.handler)
	}
	routesMu.Unlock()
	return s
}

func withValues(appCtx app.AppContext, values map[string]interface{}) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set(AppContextKey, appCtx)
			for k, v := range values {
				c.Set(k, v)
			}
			return next(c)
		}
	}
}

func (s *AdminServer) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := http.StatusInternalServerError
	msg := err.Error()
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		msg = fmt.Sprint(he.Message)
	}
	if code >= 500 {
		zap.L().Error("adminapi: request failed", zap.String("uri", c.Request().RequestURI), zap.Error(err))
	}
	_ = c.JSON(code, map[string]interface{}{
		"error":   strings.ReplaceAll(strings.ToUpper(http.StatusText(code)), " ", "_"),
		"message": msg,
	})
}

// Echo exposes the router, mostly for tests.
func (s *AdminServer) Echo() *echo.Echo {
	return s.root
}

func (s *AdminServer) Start() error {
	cfg := s.appCtx.Config()
	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port)
	zap.S().Infof("adminapi: listening on %s", addr)
	err := s.root.Start(addr)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *AdminServer) Shutdown(ctx context.Context) error {
	return s.root.Shutdown(ctx)
}

// Claims carried by operator tokens.
type Claims struct {
	Username string `json:"username"`
	Level    string `json:"level"`
	jwt.RegisteredClaims
}

// CreateToken signs an operator token valid for ttl.
func CreateToken(secret string, uid int64, username, level string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Username: username,
		Level:    level,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   fmt.Sprint(uid),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "wagate",
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// CurrentOperator returns the username of the token on c, or "".
func CurrentOperator(c echo.Context) string {
	tok, ok := c.Get(UserKey).(*jwt.Token)
	if !ok || tok == nil {
		return ""
	}
	if mc, ok := tok.Claims.(jwt.MapClaims); ok {
		if name, ok := mc["username"].(string); ok {
			return name
		}
	}
	return ""
}
