package csblob

import (
	"fmt"
	"sort"

	ber "github.com/go-asn1-ber/asn1-ber"
	"howett.net/plist"
)

// EntitlementsBlob embeds the XML plist verbatim.
func EntitlementsBlob(xml []byte) []byte {
	return wrap(CSMAGIC_EMBEDDED_ENTITLEMENTS, xml)
}

// EntitlementsDERBlob derives the DER entitlements blob from an XML plist.
// An empty dict yields nil: only non-empty entitlements get a DER slot.
func EntitlementsDERBlob(xml []byte) ([]byte, error) {
	var ents map[string]interface{}
	if _, err := plist.Unmarshal(xml, &ents); err != nil {
		return nil, fmt.Errorf("failed to parse entitlements: %w", err)
	}
	if len(ents) == 0 {
		return nil, nil
	}
	der, err := EntitlementsToDER(ents)
	if err != nil {
		return nil, err
	}
	return wrap(CSMAGIC_EMBEDDED_ENTITLEMENTS_DER, der), nil
}

// EntitlementsToDER encodes entitlements in Apple's plist DER form:
//
//	[APPLICATION 16] { INTEGER 1, [16] { SEQUENCE { UTF8String key, value }... } }
//
// Dictionary keys are sorted. Supported values are bool, integers, strings,
// arrays and nested dictionaries.
func EntitlementsToDER(ents map[string]interface{}) ([]byte, error) {
	dict, err := derDict(ents)
	if err != nil {
		return nil, err
	}
	top := ber.Encode(ber.ClassApplication, ber.TypeConstructed, ber.Tag(16), nil, "entitlements")
	top.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, 1, "version"))
	top.AppendChild(dict)
	return top.Bytes(), nil
}

func derDict(dict map[string]interface{}) (*ber.Packet, error) {
	keys := make([]string, 0, len(dict))
	for k := range dict {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	p := ber.Encode(ber.ClassContext, ber.TypeConstructed, ber.Tag(16), nil, "dict")
	for _, k := range keys {
		v, err := derValue(dict[k])
		if err != nil {
			return nil, fmt.Errorf("failed to encode value for key %s: %w", k, err)
		}
		pair := ber.NewSequence(k)
		pair.AppendChild(derString(k))
		pair.AppendChild(v)
		p.AppendChild(pair)
	}
	return p, nil
}

func derString(s string) *ber.Packet {
	return ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagUTF8String, s, "")
}

func derValue(v interface{}) (*ber.Packet, error) {
	switch val := v.(type) {
	case bool:
		// DER requires 0xff for true
		p := ber.Encode(ber.ClassUniversal, ber.TypePrimitive, ber.TagBoolean, nil, "")
		p.Value = val
		if val {
			p.Data.WriteByte(0xff)
		} else {
			p.Data.WriteByte(0)
		}
		return p, nil
	case string:
		return derString(val), nil
	case int:
		return ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, int64(val), ""), nil
	case int64:
		return ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, val, ""), nil
	case uint64:
		return ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, int64(val), ""), nil
	case []interface{}:
		seq := ber.NewSequence("array")
		for _, item := range val {
			p, err := derValue(item)
			if err != nil {
				return nil, err
			}
			seq.AppendChild(p)
		}
		return seq, nil
	case map[string]interface{}:
		return derDict(val)
	default:
		return nil, fmt.Errorf("unsupported plist type: %T", v)
	}
}
