package events

import "testing"

func TestPluginType(t *testing.T) {
	if got := PluginType("seo", "audit"); got != "seo.audit" {
		t.Errorf("PluginType = %q, want seo.audit", got)
	}
	// already namespaced names are not double-prefixed
	if got := PluginType("seo", "seo.audit"); got != "seo.audit" {
		t.Errorf("PluginType = %q, want seo.audit", got)
	}
}

func TestIsKernel(t *testing.T) {
	if !EventTypeHookFailed.IsKernel() {
		t.Error("hook.failed is a kernel event")
	}
	if EventType("seo.audit").IsKernel() {
		t.Error("seo.audit is a plugin event")
	}
}

func TestSeverityIsValid(t *testing.T) {
	for _, s := range []EventSeverity{SeverityInfo, SeverityWarning, SeverityError, SeverityCritical} {
		if !s.IsValid() {
			t.Errorf("%s should be valid", s)
		}
	}
	if EventSeverity("loud").IsValid() {
		t.Error("unknown severity should be invalid")
	}
}
