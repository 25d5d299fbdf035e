package whatsapp

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waTypes "go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// credentialRecord is the blob handed to the SessionStore. The key material
// itself lives in the whatsmeow device store; the record names the device.
type credentialRecord struct {
	JID          string    `json:"jid"`
	PushName     string    `json:"push_name,omitempty"`
	Platform     string    `json:"platform,omitempty"`
	BusinessName string    `json:"business_name,omitempty"`
	PairedAt     time.Time `json:"paired_at"`
}

// MeowFactory builds whatsmeow backed clients on top of the application database.
type MeowFactory struct {
	container *sqlstore.Container
	log       waLog.Logger
}

// NewMeowFactory wraps sqlDB in a whatsmeow device container and runs its
// migrations. dialect is the application database type (sqlite or postgres).
func NewMeowFactory(ctx context.Context, sqlDB *sql.DB, dialect string) (*MeowFactory, error) {
	driver := "sqlite3"
	switch strings.ToLower(strings.TrimSpace(dialect)) {
	case "postgres", "postgresql":
		driver = "postgres"
	default:
		// sqlstore migrations need foreign keys, which sqlite enables per connection
		if _, err := sqlDB.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
			zap.L().Warn("whatsapp: unable to enable sqlite foreign_keys pragma", zap.Error(err))
		}
	}
	log := NewZapLogger(zap.S().Named("whatsmeow"))
	container := sqlstore.NewWithDB(sqlDB, driver, log.Sub("store"))
	if err := container.Upgrade(ctx); err != nil {
		zap.L().Error("whatsapp: sqlstore upgrade failed", zap.Error(err), zap.String("driver", driver))
		return nil, errors.Wrap(err, "whatsapp: sqlstore upgrade")
	}
	return &MeowFactory{container: container, log: log}, nil
}

func (f *MeowFactory) NewClient(ctx context.Context, identity SessionIdentity, creds []byte, sink EventSink) (Client, error) {
	dev, err := f.device(ctx, identity, creds)
	if err != nil {
		return nil, err
	}
	cli := whatsmeow.NewClient(dev, f.log.Sub(string(identity)))
	// reconnects are owned by the Supervisor
	cli.EnableAutoReconnect = false
	mc := &meowClient{identity: identity, cli: cli, sink: sink}
	mc.handlerID = cli.AddEventHandler(mc.handle)
	return mc, nil
}

func (f *MeowFactory) device(ctx context.Context, identity SessionIdentity, creds []byte) (*store.Device, error) {
	if len(creds) == 0 {
		return f.container.NewDevice(), nil
	}
	var rec credentialRecord
	if err := json.Unmarshal(creds, &rec); err != nil {
		return nil, errors.Wrap(err, "whatsapp: decode credentials")
	}
	jid, err := waTypes.ParseJID(rec.JID)
	if err != nil {
		return nil, errors.Wrapf(err, "whatsapp: credentials jid %q", rec.JID)
	}
	dev, err := f.container.GetDevice(ctx, jid)
	if err != nil {
		return nil, errors.Wrap(err, "whatsapp: load device")
	}
	if dev == nil {
		zap.L().Warn("whatsapp: stored credentials reference a missing device, pairing again",
			zap.String("identity", string(identity)), zap.String("jid", rec.JID))
		return f.container.NewDevice(), nil
	}
	return dev, nil
}

type meowClient struct {
	identity  SessionIdentity
	cli       *whatsmeow.Client
	sink      EventSink
	handlerID uint32

	mu       sync.Mutex
	cancelQR context.CancelFunc
}

func (c *meowClient) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.cli.Store.ID == nil {
		qrCtx, cancel := context.WithCancel(context.Background())
		ch, err := c.cli.GetQRChannel(qrCtx)
		if err != nil {
			cancel()
			return errors.Wrap(err, "whatsapp: qr channel")
		}
		c.mu.Lock()
		c.cancelQR = cancel
		c.mu.Unlock()
		go c.watchQR(ch)
	}
	return c.cli.Connect()
}

func (c *meowClient) watchQR(ch <-chan whatsmeow.QRChannelItem) {
	defer func() {
		if r := recover(); r != nil {
			zap.S().Errorf("whatsapp: qr watcher panic: %v", r)
		}
	}()
	for item := range ch {
		switch item.Event {
		case "code":
			c.sink(PairingRequested{Data: item.Code})
		case "success":
			// PairSuccess carries the new identity
		case "timeout":
			c.sink(StateChanged{State: StateClosed, Reason: ReasonPairingTimeout})
		case "err-client-outdated":
			c.sink(StateChanged{State: StateClosed, Reason: ReasonClientOutdated})
		default:
			zap.L().Warn("whatsapp: pairing channel error",
				zap.String("identity", string(c.identity)),
				zap.String("event", item.Event), zap.Error(item.Error))
			c.sink(StateChanged{State: StateClosed, Reason: ReasonConnectionLost})
		}
	}
}

func (c *meowClient) Disconnect() {
	c.mu.Lock()
	if c.cancelQR != nil {
		c.cancelQR()
		c.cancelQR = nil
	}
	c.mu.Unlock()
	c.cli.RemoveEventHandler(c.handlerID)
	c.cli.Disconnect()
}

// Logout unlinks the device. When the server cannot be reached the local
// device keys are deleted anyway.
func (c *meowClient) Logout(ctx context.Context) error {
	err := c.cli.Logout(ctx)
	if err == nil {
		return nil
	}
	if c.cli.Store.ID != nil {
		if delErr := c.cli.Store.Delete(ctx); delErr != nil {
			zap.L().Warn("whatsapp: failed to delete local device",
				zap.String("identity", string(c.identity)), zap.Error(delErr))
		}
	}
	return errors.Wrap(err, "whatsapp: logout")
}

func (c *meowClient) SendText(ctx context.Context, address, text string) error {
	jid, err := parseAddress(address)
	if err != nil {
		return err
	}
	_, err = c.cli.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(text)})
	if err != nil {
		return errors.Wrapf(err, "whatsapp: send to %s", jid.User)
	}
	return nil
}

func (c *meowClient) LoggedIn() bool {
	return c.cli.IsLoggedIn()
}

// parseAddress accepts a full JID or a bare international number.
func parseAddress(address string) (waTypes.JID, error) {
	address = strings.TrimSpace(address)
	if strings.Contains(address, "@") {
		jid, err := waTypes.ParseJID(address)
		return jid, errors.Wrapf(err, "whatsapp: invalid address %q", address)
	}
	digits := strings.TrimPrefix(address, "+")
	if digits == "" {
		return waTypes.JID{}, errors.Errorf("whatsapp: empty address")
	}
	return waTypes.NewJID(digits, waTypes.DefaultUserServer), nil
}

func (c *meowClient) label() string {
	if c.cli.Store.ID == nil {
		return ""
	}
	return c.cli.Store.ID.User
}

func (c *meowClient) credentials() []byte {
	dev := c.cli.Store
	if dev.ID == nil {
		return nil
	}
	data, err := json.Marshal(credentialRecord{
		JID:          dev.ID.String(),
		PushName:     dev.PushName,
		Platform:     dev.Platform,
		BusinessName: dev.BusinessName,
		PairedAt:     time.Now(),
	})
	if err != nil {
		zap.L().Error("whatsapp: encode credentials", zap.Error(err))
		return nil
	}
	return data
}

func (c *meowClient) closed(reason DisconnectReason) {
	c.sink(StateChanged{State: StateClosed, Reason: reason})
}

func (c *meowClient) handle(evt interface{}) {
	switch v := evt.(type) {
	case *events.PairSuccess:
		zap.L().Info("whatsapp: pair success",
			zap.String("identity", string(c.identity)),
			zap.String("jid", v.ID.String()),
			zap.String("platform", v.Platform))
		c.sink(CredentialsUpdated{Blob: c.credentials()})
		c.sink(StateChanged{State: StateConnecting})
	case *events.Connected:
		c.sink(CredentialsUpdated{Blob: c.credentials()})
		c.sink(StateChanged{State: StateOpen, Label: c.label()})
	case *events.Disconnected:
		c.closed(ReasonConnectionLost)
	case *events.LoggedOut:
		c.closed(ReasonLoggedOut)
	case *events.StreamReplaced:
		c.closed(ReasonReplaced)
	case *events.TemporaryBan:
		zap.L().Warn("whatsapp: temporary ban",
			zap.String("identity", string(c.identity)), zap.String("ban", v.String()))
		c.closed(ReasonRateLimited)
	case *events.ConnectFailure:
		switch {
		case v.Reason.IsLoggedOut():
			c.closed(ReasonLoggedOut)
		case v.Reason == events.ConnectFailureTempBanned:
			c.closed(ReasonRateLimited)
		case v.Reason == events.ConnectFailureClientOutdated:
			c.closed(ReasonClientOutdated)
		default:
			c.closed(ReasonConnectionLost)
		}
	case *events.StreamError:
		if v.Code == "515" {
			c.closed(ReasonRestartRequired)
		} else {
			c.closed(ReasonConnectionLost)
		}
	case *events.ClientOutdated:
		c.closed(ReasonClientOutdated)
	case *events.Message:
		if v.Info.IsFromMe || v.Info.IsGroup {
			return
		}
		text := v.Message.GetConversation()
		if text == "" {
			text = v.Message.GetExtendedTextMessage().GetText()
		}
		if text == "" {
			return
		}
		c.sink(MessageReceived{From: v.Info.Chat.ToNonAD().String(), Text: text})
	}
}
