package codesign

import (
	"fmt"
	"os"
	"strings"

	"howett.net/plist"

	"github.com/aluedeke/go-zsign/internal/atomicfile"
)

// bundleMetadata holds the Info.plist overrides of a run.
type bundleMetadata struct {
	BundleID      string
	BundleName    string
	BundleVersion string
}

func (m bundleMetadata) empty() bool {
	return m.BundleID == "" && m.BundleName == "" && m.BundleVersion == ""
}

func readPlistFile(path string) (map[string]interface{}, error) {
	info, _, err := readPlistFormat(path)
	return info, err
}

func readPlistFormat(path string) (map[string]interface{}, int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var info map[string]interface{}
	format, err := plist.Unmarshal(data, &info)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return info, format, nil
}

// updatePlist applies edit to the plist at path and writes it back in its
// original format when edit reports a change.
func updatePlist(path string, edit func(info map[string]interface{}) bool) error {
	info, format, err := readPlistFormat(path)
	if err != nil {
		return err
	}
	if !edit(info) {
		return nil
	}
	var data []byte
	if format == plist.XMLFormat || format == plist.OpenStepFormat || format == plist.GNUStepFormat {
		data, err = plist.MarshalIndent(info, plist.XMLFormat, "\t")
	} else {
		data, err = plist.Marshal(info, format)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", path, err)
	}
	if err := atomicfile.WriteFile(path, data); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func setString(info map[string]interface{}, key, value string) bool {
	if cur, _ := info[key].(string); cur == value {
		return false
	}
	info[key] = value
	return true
}

// bundleID reads CFBundleIdentifier, "" when absent.
func bundleID(infoPlist string) string {
	if infoPlist == "" {
		return ""
	}
	info, err := readPlistFile(infoPlist)
	if err != nil {
		return ""
	}
	id, _ := info["CFBundleIdentifier"].(string)
	return id
}

// rewriteRootMetadata applies the identifier, name and version overrides to
// the root bundle Info.plist.
func rewriteRootMetadata(infoPlist string, m bundleMetadata) error {
	return updatePlist(infoPlist, func(info map[string]interface{}) bool {
		changed := false
		if m.BundleID != "" {
			changed = setString(info, "CFBundleIdentifier", m.BundleID) || changed
		}
		if m.BundleName != "" {
			changed = setString(info, "CFBundleDisplayName", m.BundleName) || changed
			if _, ok := info["CFBundleName"]; ok {
				changed = setString(info, "CFBundleName", m.BundleName) || changed
			}
		}
		if m.BundleVersion != "" {
			changed = setString(info, "CFBundleShortVersionString", m.BundleVersion) || changed
			changed = setString(info, "CFBundleVersion", m.BundleVersion) || changed
		}
		return changed
	})
}

// replacePrefix swaps an oldID prefix of id for newID. It only matches at a
// component boundary.
func replacePrefix(id, oldID, newID string) (string, bool) {
	if id == oldID {
		return newID, true
	}
	if strings.HasPrefix(id, oldID+".") {
		return newID + id[len(oldID):], true
	}
	return id, false
}

// rewriteNestedMetadata moves a nested bundle identifier and its companion
// references from the old root identifier to the new one.
func rewriteNestedMetadata(infoPlist, oldID, newID string) error {
	return updatePlist(infoPlist, func(info map[string]interface{}) bool {
		changed := false
		for _, key := range []string{"CFBundleIdentifier", "WKCompanionAppBundleIdentifier"} {
			if id, ok := info[key].(string); ok {
				if nid, ok := replacePrefix(id, oldID, newID); ok {
					changed = setString(info, key, nid) || changed
				}
			}
		}
		if ext, ok := info["NSExtension"].(map[string]interface{}); ok {
			if attrs, ok := ext["NSExtensionAttributes"].(map[string]interface{}); ok {
				if id, ok := attrs["WKAppBundleIdentifier"].(string); ok {
					if nid, ok := replacePrefix(id, oldID, newID); ok {
						changed = setString(attrs, "WKAppBundleIdentifier", nid) || changed
					}
				}
			}
		}
		return changed
	})
}
