package whatsapp

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestKeywordResponder(t *testing.T) {
	k := NewKeywordResponder(map[string]string{" Ping ": "pong", "empty": ""})
	if r, ok := k.Reply("  PING"); !ok || r != "pong" {
		t.Fatalf("reply = %q %v", r, ok)
	}
	if _, ok := k.Reply("empty"); ok {
		t.Fatal("empty reply registered")
	}
	if _, ok := k.Reply("ping me"); ok {
		t.Fatal("partial match answered")
	}

	c := &fakeClient{}
	h := &SessionHandle{Identity: Admin, client: c}
	k.HandleInbound(context.Background(), h, MessageReceived{From: "919000000000", Text: "ping"})
	k.HandleInbound(context.Background(), h, MessageReceived{From: "919000000000", Text: "hello"})
	if len(c.sent) != 1 || c.sent[0].address != "919000000000" || c.sent[0].text != "pong" {
		t.Fatalf("sent = %+v", c.sent)
	}
}

func TestQRDataURL(t *testing.T) {
	png, err := QRPNG("2@abc,def,ghi", 128)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(png, []byte("\x89PNG")) {
		t.Fatal("not a png")
	}
	url, err := QRDataURL("2@abc,def,ghi", 0)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(url, "data:image/png;base64,") {
		t.Fatalf("url = %.40s", url)
	}
}

func TestParseAddress(t *testing.T) {
	jid, err := parseAddress("+919876543210")
	if err != nil || jid.String() != "919876543210@s.whatsapp.net" {
		t.Fatalf("jid = %s, %v", jid, err)
	}
	jid, err = parseAddress("120363000000000000@g.us")
	if err != nil || jid.Server != "g.us" {
		t.Fatalf("jid = %s, %v", jid, err)
	}
	if _, err := parseAddress("  "); err == nil {
		t.Fatal("empty address accepted")
	}
}

func TestDisconnectReasonNames(t *testing.T) {
	for _, r := range []DisconnectReason{ReasonConnectionLost, ReasonRateLimited, ReasonLoggedOut, ReasonPairingTimeout} {
		got, ok := ParseDisconnectReason(r.String())
		if !ok || got != r {
			t.Fatalf("round trip of %s = %v %v", r, got, ok)
		}
	}
	if _, ok := ParseDisconnectReason("nope"); ok {
		t.Fatal("unknown reason parsed")
	}
}
