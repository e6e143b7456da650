package csblob

import (
	"bytes"
	"encoding/hex"
	"testing"

	ber "github.com/go-asn1-ber/asn1-ber"
)

func TestEntitlementsToDER(t *testing.T) {
	entitlements := map[string]interface{}{
		"application-identifier":              "ABCD1234.com.example.testapp",
		"com.apple.developer.team-identifier": "ABCD1234",
		"get-task-allow":                      true,
	}

	derBytes, err := EntitlementsToDER(entitlements)
	if err != nil {
		t.Fatalf("EntitlementsToDER failed: %v", err)
	}
	if derBytes[0] != 0x70 {
		t.Errorf("Expected APPLICATION 16 tag (0x70), got 0x%02x", derBytes[0])
	}
	if !bytes.Contains(derBytes, []byte("application-identifier")) {
		t.Error("DER should contain 'application-identifier'")
	}
	// version INTEGER 1 follows the outer header
	if !bytes.Contains(derBytes[:6], []byte{0x02, 0x01, 0x01}) {
		t.Errorf("DER should start with INTEGER 1, got:\n%s", hex.Dump(derBytes[:16]))
	}
	// booleans use the DER true encoding
	if !bytes.Contains(derBytes, []byte{0x01, 0x01, 0xff}) {
		t.Error("DER should encode true as 0xff")
	}
}

// TestEntitlementsToDER_Decodes verifies the structure with a BER decoder.
func TestEntitlementsToDER_Decodes(t *testing.T) {
	derBytes, err := EntitlementsToDER(map[string]interface{}{
		"b-key": []interface{}{"x", uint64(7)},
		"a-key": map[string]interface{}{"nested": false},
	})
	if err != nil {
		t.Fatalf("EntitlementsToDER failed: %v", err)
	}
	pkt, err := ber.DecodePacketErr(derBytes)
	if err != nil {
		t.Fatalf("DecodePacketErr failed: %v", err)
	}
	if len(pkt.Children) != 2 {
		t.Fatalf("Expected version and dict, got %d children", len(pkt.Children))
	}
	dict := pkt.Children[1]
	if dict.ClassType != ber.ClassContext || dict.Tag != 16 {
		t.Errorf("Expected [16] dict, got class %d tag %d", dict.ClassType, dict.Tag)
	}
	if len(dict.Children) != 2 {
		t.Fatalf("Expected 2 pairs, got %d", len(dict.Children))
	}
	first := dict.Children[0].Children[0]
	if got := string(first.Data.Bytes()); got != "a-key" {
		t.Errorf("Expected sorted keys, first is %q", got)
	}
	if !bytes.Equal(derBytes, pkt.Bytes()) {
		t.Error("re-encoding changed the DER bytes")
	}
}

func TestEntitlementsDERBlob_EmptyDict(t *testing.T) {
	blob, err := EntitlementsDERBlob([]byte(`<?xml version="1.0" encoding="UTF-8"?>
<plist version="1.0"><dict/></plist>`))
	if err != nil {
		t.Fatalf("EntitlementsDERBlob failed: %v", err)
	}
	if blob != nil {
		t.Errorf("Expected no DER blob for empty entitlements, got %d bytes", len(blob))
	}
}

func TestEntitlementsToDER_Unsupported(t *testing.T) {
	if _, err := EntitlementsToDER(map[string]interface{}{"k": 1.5}); err == nil {
		t.Error("Expected error for float value")
	}
}
