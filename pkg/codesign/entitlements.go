package codesign

import (
	"fmt"
	"strings"

	"howett.net/plist"
)

// emptyEntitlements is embedded into nested frameworks and test bundles.
const emptyEntitlements = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict/>
</plist>
`

// Entitlements is a decoded entitlements dictionary.
type Entitlements map[string]interface{}

// ParseEntitlements decodes a plist in any of the formats howett.net/plist
// understands. The top level must be a dictionary.
func ParseEntitlements(data []byte) (Entitlements, error) {
	var ents Entitlements
	if _, err := plist.Unmarshal(data, &ents); err != nil {
		return nil, fmt.Errorf("failed to parse entitlements: %w", err)
	}
	if ents == nil {
		ents = Entitlements{}
	}
	return ents, nil
}

// XML renders the dictionary as the tab indented XML plist codesign embeds.
func (e Entitlements) XML() ([]byte, error) {
	if e == nil {
		return []byte(emptyEntitlements), nil
	}
	data, err := plist.MarshalIndent(map[string]interface{}(e), plist.XMLFormat, "\t")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal entitlements: %w", err)
	}
	return data, nil
}

// WithBundleID returns a copy retargeted at bundleID under teamID. The
// application identifier is replaced, team prefixed keychain groups follow
// it and the team identifier key is updated when present. bundleID may
// already carry the team prefix.
func (e Entitlements) WithBundleID(teamID, bundleID string) Entitlements {
	out := make(Entitlements, len(e)+1)
	for k, v := range e {
		out[k] = v
	}

	appID := teamID + "." + strings.TrimPrefix(bundleID, teamID+".")
	out["application-identifier"] = appID
	if _, ok := out["com.apple.developer.team-identifier"]; ok {
		out["com.apple.developer.team-identifier"] = teamID
	}

	groups, ok := out["keychain-access-groups"].([]interface{})
	if !ok {
		return out
	}
	retargeted := make([]interface{}, len(groups))
	for i, g := range groups {
		if s, ok := g.(string); ok && strings.Contains(s, ".") {
			retargeted[i] = appID
		} else {
			retargeted[i] = g
		}
	}
	out["keychain-access-groups"] = retargeted
	return out
}

// GetTaskAllow reports whether the entitlements allow a debugger to attach.
func (e Entitlements) GetTaskAllow() bool {
	allow, _ := e["get-task-allow"].(bool)
	return allow
}

// allowsDebugging is GetTaskAllow on an encoded plist. Anything that does
// not decode allows nothing.
func allowsDebugging(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	ents, err := ParseEntitlements(data)
	return err == nil && ents.GetTaskAllow()
}
