package types

import (
	"encoding/json"
	"testing"
)

func TestSiteValidate(t *testing.T) {
	tests := []struct {
		name    string
		site    Site
		wantErr bool
	}{
		{"valid", Site{Slug: "my-blog", Name: "My Blog"}, false},
		{"digits", Site{Slug: "42", Name: "Answer"}, false},
		{"uppercase slug", Site{Slug: "MyBlog", Name: "x"}, true},
		{"leading dash", Site{Slug: "-blog", Name: "x"}, true},
		{"empty name", Site{Slug: "blog", Name: "  "}, true},
		{"empty slug", Site{Slug: "", Name: "x"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.site.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCapabilityMatches(t *testing.T) {
	tests := []struct {
		grant Capability
		want  Capability
		match bool
	}{
		{CapSettingsRead, CapSettingsRead, true},
		{CapSettingsRead, CapSettingsWrite, false},
		{"settings:*", CapSettingsWrite, true},
		{"settings:*", CapHooksAction, false},
		{CapAll, CapHTTPOutbound, true},
		{"hooks:action", "hooks:*", false},
	}
	for _, tt := range tests {
		if got := tt.grant.Matches(tt.want); got != tt.match {
			t.Errorf("%q.Matches(%q) = %v, want %v", tt.grant, tt.want, got, tt.match)
		}
	}
}

func TestCapabilityValidate(t *testing.T) {
	valid := []Capability{"*", "settings:read", "settings:*", "custom:thing"}
	for _, c := range valid {
		if err := c.Validate(); err != nil {
			t.Errorf("%q should be valid: %v", c, err)
		}
	}
	invalid := []Capability{"", "settings", ":read", "settings:", "*:read", "a:b:c", "settings:re*"}
	for _, c := range invalid {
		if err := c.Validate(); err == nil {
			t.Errorf("%q should be invalid", c)
		}
	}
}

func TestParseCapabilities(t *testing.T) {
	caps, err := ParseCapabilities("settings:read, hooks:filter,,")
	if err != nil {
		t.Fatalf("ParseCapabilities failed: %v", err)
	}
	if len(caps) != 2 || caps[0] != CapSettingsRead || caps[1] != CapHooksFilter {
		t.Errorf("unexpected caps: %v", caps)
	}
	if _, err := ParseCapabilities("nope"); err == nil {
		t.Error("expected error for malformed capability")
	}
}

func TestSettingValidate(t *testing.T) {
	s := Setting{SiteID: "s", PluginID: "p", Key: "k", Value: json.RawMessage(`{"a":1}`)}
	if err := s.Validate(); err != nil {
		t.Errorf("valid setting rejected: %v", err)
	}
	s.Value = json.RawMessage(`{broken`)
	if err := s.Validate(); err == nil {
		t.Error("invalid JSON should be rejected")
	}
}

func TestWebhookSubscriptionWants(t *testing.T) {
	w := WebhookSubscription{Events: []string{"post.*", "plugin.errored"}}
	cases := map[string]bool{
		"post.published": true,
		"post.":          true,
		"plugin.errored": true,
		"plugin.loaded":  false,
		"postal.sent":    false,
	}
	for ev, want := range cases {
		if got := w.Wants(ev); got != want {
			t.Errorf("Wants(%q) = %v, want %v", ev, got, want)
		}
	}
	all := WebhookSubscription{Events: []string{"*"}}
	if !all.Wants("anything.at.all") {
		t.Error("* should match every event")
	}
}

func TestWebhookSubscriptionValidate(t *testing.T) {
	base := WebhookSubscription{
		SiteID: "site-1",
		URL:    "https://example.com/hook",
		Secret: "0123456789abcdef",
		Events: []string{"*"},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("valid subscription rejected: %v", err)
	}

	bad := base
	bad.URL = "ftp://example.com"
	if err := bad.Validate(); err == nil {
		t.Error("ftp scheme should be rejected")
	}

	bad = base
	bad.Secret = "short"
	if err := bad.Validate(); err == nil {
		t.Error("short secret should be rejected")
	}

	bad = base
	bad.Events = []string{"po*st"}
	if err := bad.Validate(); err == nil {
		t.Error("mid-pattern wildcard should be rejected")
	}
}

func TestDeliveryStateTerminal(t *testing.T) {
	if DeliveryPending.IsTerminal() || DeliveryFailed.IsTerminal() {
		t.Error("pending/failed are not terminal")
	}
	if !DeliverySucceeded.IsTerminal() || !DeliveryDead.IsTerminal() {
		t.Error("succeeded/dead are terminal")
	}
}

func TestAnalyticsEventValidate(t *testing.T) {
	e := AnalyticsEvent{SiteID: "s", Name: "pageview", Path: "/"}
	if err := e.Validate(); err != nil {
		t.Errorf("valid event rejected: %v", err)
	}
	e.Name = ""
	if err := e.Validate(); err == nil {
		t.Error("missing name should be rejected")
	}
}
