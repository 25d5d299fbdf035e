package config

import (
	"os"
	"path"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// DBConfig Database config
type DBConfig struct {
	Type     string `yaml:"type"` // postgres or sqlite
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Passwd   string `yaml:"passwd"`
	MaxConn  int    `yaml:"max_conn"`
	IdleConn int    `yaml:"idle_conn"`
	Debug    bool   `yaml:"debug"`
}

// SysConfig System config
type SysConfig struct {
	Appid    string `yaml:"appid"`
	Location string `yaml:"location"`
	Workdir  string `yaml:"workdir"`
	Debug    bool   `yaml:"debug"`
}

// WebConfig Admin API config
type WebConfig struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	Secret string `yaml:"secret"`
}

// LogConfig Logging config
type LogConfig struct {
	Mode       string `yaml:"mode"`
	FileEnable bool   `yaml:"file_enable"`
	Filename   string `yaml:"filename"`
}

// WhatsAppConfig controls session supervision.
type WhatsAppConfig struct {
	// Identities started at boot.
	Identities []string `yaml:"identities"`
	// SessionStore selects where credential blobs live: db, bolt or file.
	SessionStore      string        `yaml:"session_store"`
	InitTimeout       time.Duration `yaml:"init_timeout"`
	QRCooldown        time.Duration `yaml:"qr_cooldown"`
	ReconnectMaxDelay time.Duration `yaml:"reconnect_max_delay"`
	// ReconnectDelays overrides the base delay per disconnect reason,
	// keyed by reason name (connection_lost, rate_limited, ...).
	ReconnectDelays map[string]time.Duration `yaml:"reconnect_delays"`
	// Keywords maps inbound message text to an automatic reply.
	Keywords map[string]string `yaml:"keywords"`
}

// NotifyConfig controls the outbound dispatcher.
type NotifyConfig struct {
	SessionIdentity    string        `yaml:"session_identity"`
	DefaultCountryCode string        `yaml:"default_country_code"`
	AdminPhone         string        `yaml:"admin_phone"`
	BroadcastInterval  time.Duration `yaml:"broadcast_interval"`
	SendTimeout        time.Duration `yaml:"send_timeout"`
	LogRetentionDays   int           `yaml:"log_retention_days"`
}

type AppConfig struct {
	System   SysConfig      `yaml:"system"`
	Web      WebConfig      `yaml:"web"`
	Database DBConfig       `yaml:"database"`
	Logger   LogConfig      `yaml:"logger"`
	WhatsApp WhatsAppConfig `yaml:"whatsapp"`
	Notify   NotifyConfig   `yaml:"notify"`
}

func (c *AppConfig) GetLogDir() string {
	return path.Join(c.System.Workdir, "logs")
}

func (c *AppConfig) GetDataDir() string {
	return path.Join(c.System.Workdir, "data")
}

func (c *AppConfig) GetSessionDir() string {
	return path.Join(c.System.Workdir, "sessions")
}

func (c *AppConfig) InitDirs() {
	_ = os.MkdirAll(c.GetLogDir(), 0o755)
	_ = os.MkdirAll(c.GetDataDir(), 0o755)
	_ = os.MkdirAll(c.GetSessionDir(), 0o700)
}

var DefaultAppConfig = &AppConfig{
	System: SysConfig{
		Appid:    "wagate",
		Location: "Asia/Kolkata",
		Workdir:  "/var/wagate",
		Debug:    true,
	},
	Web: WebConfig{
		Host:   "0.0.0.0",
		Port:   1826,
		Secret: "9b6de5cc-0731-4bf1-wagate-0f568ac9da37",
	},
	Database: DBConfig{
		Type:     "sqlite",
		Host:     "127.0.0.1",
		Port:     5432,
		Name:     "wagate.db",
		User:     "postgres",
		Passwd:   "myroot",
		MaxConn:  20,
		IdleConn: 10,
	},
	Logger: LogConfig{
		Mode:       "development",
		FileEnable: true,
		Filename:   "/var/wagate/logs/wagate.log",
	},
	WhatsApp: WhatsAppConfig{
		Identities:        []string{"admin"},
		SessionStore:      "db",
		InitTimeout:       45 * time.Second,
		QRCooldown:        2 * time.Second,
		ReconnectMaxDelay: 5 * time.Minute,
		Keywords: map[string]string{
			"ping": "pong",
		},
	},
	Notify: NotifyConfig{
		SessionIdentity:    "admin",
		DefaultCountryCode: "91",
		BroadcastInterval:  500 * time.Millisecond,
		SendTimeout:        20 * time.Second,
		LogRetentionDays:   90,
	},
}

// LoadConfig reads cfile (falling back to a few well-known locations) and
// applies WAGATE_* environment overrides. A .env file in the working
// directory is loaded first when present.
func LoadConfig(cfile string) *AppConfig {
	_ = godotenv.Load()

	if cfile == "" {
		cfile = "wagate.yml"
	}
	if !fileExists(cfile) {
		cfile = "/etc/wagate.yml"
	}

	cfg := cloneDefault()
	if fileExists(cfile) {
		data, err := os.ReadFile(cfile)
		if err != nil {
			panic(err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			panic(err)
		}
	}

	applyEnv(cfg)
	cfg.applyDefaults()
	return cfg
}

func cloneDefault() *AppConfig {
	cfg := *DefaultAppConfig
	cfg.WhatsApp.Identities = append([]string(nil), DefaultAppConfig.WhatsApp.Identities...)
	cfg.WhatsApp.Keywords = make(map[string]string, len(DefaultAppConfig.WhatsApp.Keywords))
	for k, v := range DefaultAppConfig.WhatsApp.Keywords {
		cfg.WhatsApp.Keywords[k] = v
	}
	return &cfg
}

// applyDefaults fills zero values left by a partial YAML file.
func (c *AppConfig) applyDefaults() {
	d := DefaultAppConfig
	if c.System.Workdir == "" {
		c.System.Workdir = d.System.Workdir
	}
	if c.Database.Type == "" {
		c.Database.Type = d.Database.Type
	}
	if c.WhatsApp.SessionStore == "" {
		c.WhatsApp.SessionStore = d.WhatsApp.SessionStore
	}
	if c.WhatsApp.InitTimeout <= 0 {
		c.WhatsApp.InitTimeout = d.WhatsApp.InitTimeout
	}
	if c.WhatsApp.QRCooldown <= 0 {
		c.WhatsApp.QRCooldown = d.WhatsApp.QRCooldown
	}
	if c.WhatsApp.ReconnectMaxDelay <= 0 {
		c.WhatsApp.ReconnectMaxDelay = d.WhatsApp.ReconnectMaxDelay
	}
	if c.Notify.SessionIdentity == "" {
		c.Notify.SessionIdentity = d.Notify.SessionIdentity
	}
	if c.Notify.DefaultCountryCode == "" {
		c.Notify.DefaultCountryCode = d.Notify.DefaultCountryCode
	}
	if c.Notify.SendTimeout <= 0 {
		c.Notify.SendTimeout = d.Notify.SendTimeout
	}
	if c.Notify.BroadcastInterval < 0 {
		c.Notify.BroadcastInterval = 0
	}
	if c.Notify.LogRetentionDays <= 0 {
		c.Notify.LogRetentionDays = d.Notify.LogRetentionDays
	}
}

func applyEnv(cfg *AppConfig) {
	setEnvString("WAGATE_SYSTEM_WORKER_DIR", &cfg.System.Workdir)
	setEnvString("WAGATE_SYSTEM_LOCATION", &cfg.System.Location)
	setEnvBool("WAGATE_SYSTEM_DEBUG", &cfg.System.Debug)

	setEnvString("WAGATE_WEB_HOST", &cfg.Web.Host)
	setEnvInt("WAGATE_WEB_PORT", &cfg.Web.Port)
	setEnvString("WAGATE_WEB_SECRET", &cfg.Web.Secret)

	setEnvString("WAGATE_DB_TYPE", &cfg.Database.Type)
	setEnvString("WAGATE_DB_HOST", &cfg.Database.Host)
	setEnvInt("WAGATE_DB_PORT", &cfg.Database.Port)
	setEnvString("WAGATE_DB_NAME", &cfg.Database.Name)
	setEnvString("WAGATE_DB_USER", &cfg.Database.User)
	setEnvString("WAGATE_DB_PWD", &cfg.Database.Passwd)
	setEnvBool("WAGATE_DB_DEBUG", &cfg.Database.Debug)

	setEnvString("WAGATE_LOGGER_MODE", &cfg.Logger.Mode)
	setEnvBool("WAGATE_LOGGER_FILE_ENABLE", &cfg.Logger.FileEnable)

	if v := os.Getenv("WAGATE_WA_IDENTITIES"); v != "" {
		cfg.WhatsApp.Identities = splitList(v)
	}
	setEnvString("WAGATE_WA_SESSION_STORE", &cfg.WhatsApp.SessionStore)
	setEnvDuration("WAGATE_WA_INIT_TIMEOUT", &cfg.WhatsApp.InitTimeout)
	setEnvDuration("WAGATE_WA_QR_COOLDOWN", &cfg.WhatsApp.QRCooldown)

	setEnvString("WAGATE_NOTIFY_IDENTITY", &cfg.Notify.SessionIdentity)
	setEnvString("WAGATE_NOTIFY_COUNTRY_CODE", &cfg.Notify.DefaultCountryCode)
	setEnvString("WAGATE_NOTIFY_ADMIN_PHONE", &cfg.Notify.AdminPhone)
	setEnvDuration("WAGATE_NOTIFY_BROADCAST_INTERVAL", &cfg.Notify.BroadcastInterval)
	setEnvDuration("WAGATE_NOTIFY_SEND_TIMEOUT", &cfg.Notify.SendTimeout)
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func setEnvString(name string, val *string) {
	if v := os.Getenv(name); v != "" {
		*val = v
	}
}

func setEnvInt(name string, val *int) {
	if v := os.Getenv(name); v != "" {
		if p, err := cast.ToIntE(v); err == nil {
			*val = p
		}
	}
}

func setEnvBool(name string, val *bool) {
	if v := os.Getenv(name); v != "" {
		if p, err := cast.ToBoolE(v); err == nil {
			*val = p
		}
	}
}

// setEnvDuration accepts Go durations ("750ms") or plain seconds ("30").
func setEnvDuration(name string, val *time.Duration) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	if d, err := cast.ToDurationE(v); err == nil && strings.ContainsAny(v, "hmsuµn") {
		*val = d
		return
	}
	if secs, err := cast.ToFloat64E(v); err == nil {
		*val = time.Duration(secs * float64(time.Second))
	}
}

func fileExists(file string) bool {
	if file == "" {
		return false
	}
	_, err := os.Stat(file)
	return err == nil
}
