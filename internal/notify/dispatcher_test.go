package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/talkincode/wagate/internal/domain"
)

func TestSendPlainToPhone(t *testing.T) {
	env := newTestEnv()
	res := env.dispatcher().SendPlain(context.Background(), ToPhone("9876543210"), "hello")
	if !res.Success || res.Destination != "919876543210" {
		t.Fatalf("result = %+v", res)
	}
	msgs := env.sender.messages()
	if len(msgs) != 1 || msgs[0].address != "919876543210" || msgs[0].text != "hello" {
		t.Fatalf("sent = %+v", msgs)
	}
	rows := env.recorder.all()
	if len(rows) != 1 || rows[0].kind != KindPlain || !rows[0].res.Success {
		t.Fatalf("recorded = %+v", rows)
	}
}

func TestSendPlainWithoutSession(t *testing.T) {
	tests := []struct {
		name      string
		connected bool
		noHandle  bool
		phone     string
	}{
		{"status disconnected", false, false, "9876543210"},
		{"handle missing", true, true, "9876543210"},
		{"disconnected wins over bad phone", false, false, "12"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv()
			env.connected = tt.connected
			env.noHandle = tt.noHandle
			res := env.dispatcher().SendPlain(context.Background(), ToPhone(tt.phone), "hello")
			if res.Success || res.Kind != NoActiveSession {
				t.Fatalf("result = %+v", res)
			}
			if len(env.sender.messages()) != 0 {
				t.Fatal("message sent without an active session")
			}
		})
	}
}

func TestSendPlainInvalidDestination(t *testing.T) {
	env := newTestEnv()
	d := env.dispatcher()
	for _, phone := range []string{"", "12", "abc", "+0123456789"} {
		if res := d.SendPlain(context.Background(), ToPhone(phone), "x"); res.Kind != InvalidDestination {
			t.Errorf("SendPlain(%q) = %+v", phone, res)
		}
	}
	if res := d.SendPlain(context.Background(), ToUser(99), "x"); res.Kind != InvalidDestination {
		t.Errorf("unknown user = %+v", res)
	}
	if len(env.sender.messages()) != 0 {
		t.Fatal("message sent to an invalid destination")
	}
}

func TestSendPlainToUser(t *testing.T) {
	env := newTestEnv()
	res := env.dispatcher().SendPlain(context.Background(), ToUser(2), "hi")
	if !res.Success || res.Destination != "919123456789" {
		t.Fatalf("result = %+v", res)
	}
}

func TestSendToAdmin(t *testing.T) {
	env := newTestEnv()
	res := env.dispatcher().SendToAdmin(context.Background(), "disk full")
	if !res.Success || res.Destination != "919999900000" {
		t.Fatalf("result = %+v", res)
	}
}

func TestSendNamedTemplate(t *testing.T) {
	tests := []struct {
		name string
		vars map[string]interface{}
		want string
	}{
		{"base vars only", nil, "Hi Asha, plan "},
		{"caller vars", map[string]interface{}{"plan": "gold"}, "Hi Asha, plan gold"},
		{"caller overrides base", map[string]interface{}{"name": "Dr. Asha", "plan": 3}, "Hi Dr. Asha, plan 3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv()
			res := env.dispatcher().SendNamedTemplate(context.Background(), 1, "greeting", tt.vars)
			if !res.Success {
				t.Fatalf("result = %+v", res)
			}
			msgs := env.sender.messages()
			if len(msgs) != 1 || msgs[0].text != tt.want || msgs[0].address != "919876543210" {
				t.Fatalf("sent = %+v, want %q", msgs, tt.want)
			}
		})
	}
}

func TestTemplateLookupFailures(t *testing.T) {
	env := newTestEnv()
	d := env.dispatcher()
	if res := d.SendNamedTemplate(context.Background(), 1, "missing", nil); res.Kind != TemplateNotFound {
		t.Fatalf("named = %+v", res)
	}
	if res := d.SendSystemEventTemplate(context.Background(), 1, "plan_expiring", nil); res.Kind != NoTemplateForEvent {
		t.Fatalf("event = %+v", res)
	}
	if len(env.sender.messages()) != 0 {
		t.Fatal("message sent without a template")
	}
}

func TestTemplateStoreOutage(t *testing.T) {
	env := newTestEnv()
	env.templates.err = errors.New("database is locked")
	d := env.dispatcher()
	if res := d.SendNamedTemplate(context.Background(), 1, "greeting", nil); res.Kind != StoreUnavailable {
		t.Fatalf("named = %+v", res)
	}
	if res := d.SendSystemEventTemplate(context.Background(), 1, "user_signup", nil); res.Kind != StoreUnavailable {
		t.Fatalf("event = %+v", res)
	}
	if r := d.BroadcastNamedTemplate(context.Background(), "greeting", nil); r.Error != StoreUnavailable {
		t.Fatalf("broadcast = %+v", r)
	}
	if len(env.sender.messages()) != 0 {
		t.Fatal("message sent without a template")
	}
}

func TestSendSystemEventTemplate(t *testing.T) {
	env := newTestEnv()
	res := env.dispatcher().SendSystemEventTemplate(context.Background(), 2, "user_signup", nil)
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	msgs := env.sender.messages()
	if len(msgs) != 1 || msgs[0].text != "Welcome Ravi (ravi@example.com)" {
		t.Fatalf("sent = %+v", msgs)
	}
	if rows := env.recorder.all(); rows[0].kind != KindSystemEvent || rows[0].target != "user:2" {
		t.Fatalf("recorded = %+v", rows)
	}
}

func TestNoPhoneAvailable(t *testing.T) {
	env := newTestEnv()
	d := env.dispatcher()
	if res := d.SendNamedTemplate(context.Background(), 4, "greeting", nil); res.Kind != NoPhoneAvailable {
		t.Fatalf("template = %+v", res)
	}
	if res := d.SendPlain(context.Background(), ToUser(4), "x"); res.Kind != NoPhoneAvailable {
		t.Fatalf("plain = %+v", res)
	}
	if len(env.sender.messages()) != 0 {
		t.Fatal("send attempted for a user without phone")
	}
}

func TestLinkedSessionPrecedence(t *testing.T) {
	env := newTestEnv()
	env.linked[4] = &domain.WhatsAppSession{UserId: 4, Phone: "919811111111", Status: domain.SessionConnected}
	env.linked[1] = &domain.WhatsAppSession{UserId: 1, Jid: "918888888888:3@s.whatsapp.net", Status: domain.SessionConnected}
	env.linked[2] = &domain.WhatsAppSession{UserId: 2, Phone: "917777777777", Status: domain.SessionDisconnected}
	d := env.dispatcher()

	tests := []struct {
		user int64
		want string
	}{
		{4, "919811111111"}, // linked session instead of NoPhoneAvailable
		{1, "918888888888"}, // linked jid beats signup phone
		{2, "919123456789"}, // disconnected link falls back to signup phone
	}
	for _, tt := range tests {
		res := d.SendNamedTemplate(context.Background(), tt.user, "greeting", nil)
		if !res.Success || res.Destination != tt.want {
			t.Errorf("user %d: result = %+v, want %s", tt.user, res, tt.want)
		}
	}
}

func TestSendTimeout(t *testing.T) {
	env := newTestEnv()
	env.sender.block = make(chan struct{})
	defer close(env.sender.block)
	d := env.dispatcher()
	d.sendTimeout = 20 * time.Millisecond

	start := time.Now()
	res := d.SendPlain(context.Background(), ToPhone("9876543210"), "x")
	if res.Kind != SendFailed {
		t.Fatalf("result = %+v", res)
	}
	if time.Since(start) > time.Second {
		t.Fatal("timeout not enforced")
	}
}

func TestSendFailed(t *testing.T) {
	env := newTestEnv()
	env.sender.failOn["919876543210"] = errors.New("rejected")
	res := env.dispatcher().SendPlain(context.Background(), ToPhone("9876543210"), "x")
	if res.Kind != SendFailed || res.Detail != "rejected" {
		t.Fatalf("result = %+v", res)
	}
}

func TestBroadcastContinuesAfterFailure(t *testing.T) {
	env := newTestEnv()
	env.users.users = env.users.users[:3]
	env.sender.failOn["919123456789"] = errors.New("rejected")

	report := env.dispatcher().BroadcastNamedTemplate(context.Background(), "greeting", nil)
	if report.Attempted != 3 || report.Succeeded != 2 {
		t.Fatalf("report = %+v, want {3, 2}", report)
	}
	if report.Failures[SendFailed] != 1 {
		t.Fatalf("failures = %+v", report.Failures)
	}
	if env.pacer.waits != 3 {
		t.Fatalf("pacer waited %d times, want 3", env.pacer.waits)
	}
	msgs := env.sender.messages()
	if len(msgs) != 2 || msgs[1].address != "919000000001" {
		t.Fatalf("sent = %+v", msgs)
	}
	for _, r := range env.recorder.all() {
		if r.kind != KindBroadcastTemplate {
			t.Fatalf("recorded kind = %s", r.kind)
		}
	}
}

func TestBroadcastSystemEvent(t *testing.T) {
	env := newTestEnv()
	report := env.dispatcher().BroadcastSystemEventTemplate(context.Background(), "user_signup", nil)
	if report.Attempted != 4 || report.Succeeded != 3 || report.Failures[NoPhoneAvailable] != 1 {
		t.Fatalf("report = %+v", report)
	}
}

func TestBroadcastWithoutTemplate(t *testing.T) {
	env := newTestEnv()
	d := env.dispatcher()
	if r := d.BroadcastNamedTemplate(context.Background(), "missing", nil); r.Error != TemplateNotFound || r.Attempted != 0 {
		t.Fatalf("named = %+v", r)
	}
	if r := d.BroadcastSystemEventTemplate(context.Background(), "nope", nil); r.Error != NoTemplateForEvent || r.Attempted != 0 {
		t.Fatalf("event = %+v", r)
	}
}

func TestBroadcastUserListFailure(t *testing.T) {
	env := newTestEnv()
	env.users.listErr = errors.New("database is locked")
	report := env.dispatcher().BroadcastNamedTemplate(context.Background(), "greeting", nil)
	if report.Error != StoreUnavailable || report.Attempted != 0 {
		t.Fatalf("report = %+v", report)
	}
	if len(env.sender.messages()) != 0 {
		t.Fatal("messages sent without a user list")
	}
}

func TestBroadcastStopsOnCancel(t *testing.T) {
	env := newTestEnv()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report := env.dispatcher().BroadcastNamedTemplate(ctx, "greeting", nil)
	if report.Attempted != 0 || len(env.sender.messages()) != 0 {
		t.Fatalf("report = %+v", report)
	}
}

func TestBroadcastsAreSerialized(t *testing.T) {
	env := newTestEnv()
	d := env.dispatcher()
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.BroadcastNamedTemplate(context.Background(), "greeting", nil)
		}()
	}
	wg.Wait()
	if env.sender.maxInflight != 1 {
		t.Fatalf("max concurrent sends = %d", env.sender.maxInflight)
	}
	if got := len(env.sender.messages()); got != 9 {
		t.Fatalf("sent %d messages, want 9", got)
	}
}
