package adminapi

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/asaskevich/EventBus"
	"github.com/labstack/echo/v4"
	"github.com/talkincode/wagate/config"
	"github.com/talkincode/wagate/internal/app"
	"github.com/talkincode/wagate/internal/domain"
	"github.com/talkincode/wagate/internal/notify"
	"github.com/talkincode/wagate/internal/webserver"
	"github.com/talkincode/wagate/internal/whatsapp"
	"github.com/talkincode/wagate/pkg/common"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	testPassword = "s3cret-pass"
	pairedLabel  = "919999900000"
	qrData       = "2@test-qr-payload"
)

// testClient opens at once when it has credentials and asks for pairing
// otherwise.
type testClient struct {
	mu    sync.Mutex
	creds []byte
	sink  whatsapp.EventSink
	sent  []string
}

func (c *testClient) Connect(context.Context) error {
	if c.creds != nil {
		c.sink(whatsapp.StateChanged{State: whatsapp.StateOpen, Label: pairedLabel})
		return nil
	}
	c.sink(whatsapp.StateChanged{State: whatsapp.StatePairing})
	c.sink(whatsapp.PairingRequested{Data: qrData})
	return nil
}

func (c *testClient) Disconnect() {}

func (c *testClient) Logout(context.Context) error { return nil }

func (c *testClient) SendText(_ context.Context, address, text string) error {
	c.mu.Lock()
	c.sent = append(c.sent, address+": "+text)
	c.mu.Unlock()
	return nil
}

func (c *testClient) LoggedIn() bool { return c.creds != nil }

type testFactory struct {
	mu      sync.Mutex
	clients []*testClient
}

func (f *testFactory) NewClient(_ context.Context, _ whatsapp.SessionIdentity, creds []byte, sink whatsapp.EventSink) (whatsapp.Client, error) {
	c := &testClient{creds: creds, sink: sink}
	f.mu.Lock()
	f.clients = append(f.clients, c)
	f.mu.Unlock()
	return c, nil
}

func (f *testFactory) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.clients {
		c.mu.Lock()
		out = append(out, c.sent...)
		c.mu.Unlock()
	}
	return out
}

type testEnv struct {
	t       *testing.T
	app     *app.Application
	wa      *whatsapp.Service
	notify  *notify.Service
	factory *testFactory
	server  *webserver.AdminServer
	token   string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "admin.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatal(err)
	}
	cfg := *config.DefaultAppConfig
	cfg.Web.Secret = "adminapi-test"
	cfg.Notify.AdminPhone = "+91 99999 00000"
	a := app.NewApplication(&cfg)
	a.OverrideDB(db)
	if err := a.MigrateDB(false); err != nil {
		t.Fatal(err)
	}
	if err := a.SaveSettings(map[string]interface{}{"notify.broadcast_interval_ms": 1}); err != nil {
		t.Fatal(err)
	}
	hashed, _ := app.HashPassword(testPassword)
	db.Create(&domain.SysOpr{
		ID: common.UUIDint64(), Username: "admin", Password: hashed, Level: "super", Status: common.ENABLED,
	})
	db.Create(&domain.SysOpr{
		ID: common.UUIDint64(), Username: "retired", Password: hashed, Level: "opr", Status: common.DISABLED,
	})

	// admin is already paired, everything else must scan a code
	store := whatsapp.NewFileSessionStore(t.TempDir())
	if err := store.Save(context.Background(), whatsapp.Admin, []byte(`{"paired":true}`)); err != nil {
		t.Fatal(err)
	}
	factory := &testFactory{}
	bus := EventBus.New()
	status := whatsapp.NewStatusCache()
	pairing := whatsapp.NewPairingBroadcaster(bus, 0)
	wa := &whatsapp.Service{
		Bus:     bus,
		Status:  status,
		Pairing: pairing,
		Supervisor: whatsapp.NewSupervisor(whatsapp.SupervisorConfig{
			Factory: factory,
			Store:   store,
			Status:  status,
			Pairing: pairing,
			Bus:     bus,
		}),
	}
	if wa.Hub, err = whatsapp.NewHub(bus, pairing); err != nil {
		t.Fatal(err)
	}
	nt, err := notify.NewService(a, wa)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		nt.Close()
		wa.Hub.Close()
		wa.Supervisor.Shutdown()
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	env := &testEnv{t: t, app: a, wa: wa, notify: nt, factory: factory, server: NewServer(a, wa, nt)}
	rec := env.call(http.MethodPost, "/api/v1/login", map[string]string{"username": "admin", "password": testPassword})
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d: %s", rec.Code, rec.Body.String())
	}
	env.token = dataOf(t, rec)["token"].(string)
	return env
}

func (e *testEnv) call(method, target string, body interface{}) *httptest.ResponseRecorder {
	e.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			e.t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if e.token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+e.token)
	}
	rec := httptest.NewRecorder()
	e.server.Echo().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func dataOf(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	data, ok := decode(t, rec)["data"].(map[string]interface{})
	if !ok {
		t.Fatalf("no data object in %s", rec.Body.String())
	}
	return data
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("status = %d, want %d: %s", rec.Code, want, rec.Body.String())
	}
}

func (e *testEnv) createUser(name, phone string) string {
	e.t.Helper()
	rec := e.call(http.MethodPost, "/api/v1/system/users", map[string]string{"name": name, "phone": phone, "plan": "pro"})
	expectStatus(e.t, rec, http.StatusOK)
	return dataOf(e.t, rec)["id"].(string)
}
