package codesign

import (
	"testing"
)

func TestParseEntitlements(t *testing.T) {
	xmlData := []byte(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>application-identifier</key>
	<string>ABCD1234.com.example.testapp</string>
	<key>get-task-allow</key>
	<true/>
</dict>
</plist>`)

	ents, err := ParseEntitlements(xmlData)
	if err != nil {
		t.Fatalf("ParseEntitlements failed: %v", err)
	}
	if ents["application-identifier"] != "ABCD1234.com.example.testapp" {
		t.Errorf("application-identifier = %v", ents["application-identifier"])
	}
	if !ents.GetTaskAllow() {
		t.Error("get-task-allow should be set")
	}

	ents, err = ParseEntitlements([]byte(emptyEntitlements))
	if err != nil || ents == nil || len(ents) != 0 {
		t.Errorf("empty dict: got %v, %v", ents, err)
	}

	if _, err := ParseEntitlements([]byte("<plist><array/></plist>")); err == nil {
		t.Error("a non dictionary top level should fail")
	}
}

func TestEntitlements_XMLRoundTrip(t *testing.T) {
	data, err := Entitlements{"get-task-allow": true, "beta-reports-active": false}.XML()
	if err != nil {
		t.Fatalf("XML failed: %v", err)
	}
	back, err := ParseEntitlements(data)
	if err != nil {
		t.Fatalf("ParseEntitlements failed: %v", err)
	}
	if !back.GetTaskAllow() || back["beta-reports-active"] != false {
		t.Errorf("unexpected round trip: %v", back)
	}

	data, err = Entitlements(nil).XML()
	if err != nil || string(data) != emptyEntitlements {
		t.Errorf("nil entitlements should render the empty dict, got %q", data)
	}
}

func TestEntitlements_WithBundleID(t *testing.T) {
	ents := Entitlements{
		"application-identifier":              "OLD_TEAM.old.bundle.id",
		"com.apple.developer.team-identifier": "OLD_TEAM",
		"keychain-access-groups":              []interface{}{"OLD_TEAM.old.bundle.id", "shared"},
		"get-task-allow":                      true,
	}

	updated := ents.WithBundleID("NEW_TEAM", "new.bundle.id")

	if updated["application-identifier"] != "NEW_TEAM.new.bundle.id" {
		t.Errorf("application-identifier = %v", updated["application-identifier"])
	}
	if updated["com.apple.developer.team-identifier"] != "NEW_TEAM" {
		t.Errorf("team-identifier = %v", updated["com.apple.developer.team-identifier"])
	}
	groups := updated["keychain-access-groups"].([]interface{})
	if len(groups) != 2 || groups[0] != "NEW_TEAM.new.bundle.id" || groups[1] != "shared" {
		t.Errorf("unexpected keychain-access-groups: %v", groups)
	}
	if !updated.GetTaskAllow() {
		t.Error("unrelated keys must be kept")
	}
	if ents["application-identifier"] != "OLD_TEAM.old.bundle.id" {
		t.Errorf("input entitlements were modified: %v", ents["application-identifier"])
	}
}

func TestEntitlements_WithBundleIDTeamPrefix(t *testing.T) {
	updated := Entitlements{}.WithBundleID("NEW_TEAM", "NEW_TEAM.new.bundle.id")
	if updated["application-identifier"] != "NEW_TEAM.new.bundle.id" {
		t.Errorf("team prefix added twice: %v", updated["application-identifier"])
	}
	if _, ok := updated["com.apple.developer.team-identifier"]; ok {
		t.Error("team-identifier should only be rewritten when present")
	}
}

func TestAllowsDebugging(t *testing.T) {
	xmlData, err := Entitlements{"get-task-allow": true}.XML()
	if err != nil {
		t.Fatalf("XML failed: %v", err)
	}
	if !allowsDebugging(xmlData) {
		t.Error("get-task-allow=true should allow debugging")
	}
	if allowsDebugging([]byte(emptyEntitlements)) {
		t.Error("empty entitlements should not allow debugging")
	}
	if allowsDebugging(nil) || allowsDebugging([]byte("garbage")) {
		t.Error("missing or undecodable entitlements should not allow debugging")
	}
}
