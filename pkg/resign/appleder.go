package resign

import (
	"encoding/asn1"
	"fmt"
	"sort"

	"howett.net/plist"
)

// parseEntitlementsXML parses XML plist entitlements into a map.
func parseEntitlementsXML(data []byte) (map[string]interface{}, error) {
	var entitlements map[string]interface{}
	if _, err := plist.Unmarshal(data, &entitlements); err != nil {
		return nil, err
	}
	return entitlements, nil
}

// entitlementsToDER encodes entitlements in Apple's DER plist format, which
// is embedded next to the XML form in the code signature. The top level is
// APPLICATION 16 { INTEGER 1, dict }, dictionaries are context tag [16]
// holding SEQUENCE { UTF8String key, value } pairs with sorted keys, and
// arrays are plain SEQUENCEs.
func entitlementsToDER(entitlements map[string]interface{}) ([]byte, error) {
	dict, err := encodeDERDict(entitlements)
	if err != nil {
		return nil, err
	}
	version, err := asn1.Marshal(1)
	if err != nil {
		return nil, err
	}
	return wrapWithTag(0x70, append(version, dict...)), nil
}

func encodeDERDict(dict map[string]interface{}) ([]byte, error) {
	keys := make([]string, 0, len(dict))
	for k := range dict {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var pairs []byte
	for _, key := range keys {
		value, err := encodeDERValue(dict[key])
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", key, err)
		}
		pair := append(encodeUTF8String(key), value...)
		pairs = append(pairs, wrapWithTag(0x30, pair)...)
	}
	// The pair SEQUENCEs sit directly inside the context tag; there is no
	// outer SEQUENCE wrapper.
	return wrapWithTag(0xB0, pairs), nil
}

func encodeDERValue(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case bool:
		return asn1.Marshal(val)
	case string:
		return encodeUTF8String(val), nil
	case int:
		return asn1.Marshal(val)
	case int64:
		return asn1.Marshal(val)
	case uint64:
		return asn1.Marshal(int64(val))
	case []interface{}:
		var content []byte
		for _, item := range val {
			encoded, err := encodeDERValue(item)
			if err != nil {
				return nil, err
			}
			content = append(content, encoded...)
		}
		return wrapWithTag(0x30, content), nil
	case map[string]interface{}:
		return encodeDERDict(val)
	}
	return nil, fmt.Errorf("unsupported plist type %T", v)
}

func encodeUTF8String(s string) []byte {
	return wrapWithTag(0x0C, []byte(s))
}

func wrapWithTag(tag byte, content []byte) []byte {
	length := len(content)
	var header []byte
	switch {
	case length < 128:
		header = []byte{tag, byte(length)}
	case length < 256:
		header = []byte{tag, 0x81, byte(length)}
	case length < 65536:
		header = []byte{tag, 0x82, byte(length >> 8), byte(length)}
	default:
		header = []byte{tag, 0x83, byte(length >> 16), byte(length >> 8), byte(length)}
	}
	return append(header, content...)
}
