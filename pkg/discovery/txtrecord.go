package discovery

import (
	"fmt"
	"slices"
	"strings"
)

// TXTRecordMap is a map of TXT record key-value pairs.
type TXTRecordMap map[string]string

// EncodeTXT creates the TXT records advertised for info.
func EncodeTXT(info *Info) TXTRecordMap {
	txt := TXTRecordMap{
		TXTKeyKind:    info.Kind,
		TXTKeyID:      info.ID,
		TXTKeyVersion: ProtocolVersion,
	}
	if info.Path != "" {
		txt[TXTKeyPath] = info.Path
	}
	if info.ALPN != "" {
		txt[TXTKeyALPN] = info.ALPN
	}
	return txt
}

// DecodeTXT fills the TXT-derived fields of svc.
func DecodeTXT(txt TXTRecordMap, svc *Service) error {
	kind, ok := txt[TXTKeyKind]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissingRequired, TXTKeyKind)
	}
	if err := ValidateKind(kind); err != nil {
		return err
	}
	id, ok := txt[TXTKeyID]
	if !ok || id == "" {
		return fmt.Errorf("%w: %s", ErrMissingRequired, TXTKeyID)
	}

	svc.Kind = kind
	svc.ID = id
	svc.Version = txt[TXTKeyVersion]
	svc.Path = txt[TXTKeyPath]
	svc.ALPN = txt[TXTKeyALPN]
	return nil
}

// ValidateKind checks that kind is a known transport kind.
func ValidateKind(kind string) error {
	switch kind {
	case KindTCP, KindTLS, KindWS, KindQUIC:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// TXTRecordsToStrings converts a TXTRecordMap to a sorted slice of
// "key=value" strings.
func TXTRecordsToStrings(txt TXTRecordMap) []string {
	result := make([]string, 0, len(txt))
	for k, v := range txt {
		result = append(result, fmt.Sprintf("%s=%s", k, v))
	}
	slices.Sort(result)
	return result
}

// StringsToTXTRecords parses a slice of "key=value" strings into a TXTRecordMap.
func StringsToTXTRecords(strs []string) TXTRecordMap {
	txt := make(TXTRecordMap)
	for _, s := range strs {
		parts := strings.SplitN(s, "=", 2)
		if len(parts) == 2 {
			txt[parts[0]] = parts[1]
		} else if len(parts) == 1 && parts[0] != "" {
			// Key without value (boolean flag)
			txt[parts[0]] = ""
		}
	}
	return txt
}

// ValidateInstanceName checks if an instance name is valid for mDNS.
func ValidateInstanceName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: instance name", ErrMissingRequired)
	}
	if len(name) > MaxInstanceNameLen {
		return ErrInstanceNameTooLong
	}
	return nil
}

// InstanceName builds "<host>-<transport>", truncated to the DNS label limit.
func InstanceName(host, transport string) string {
	name := host + "-" + transport
	if len(name) > MaxInstanceNameLen {
		name = name[:MaxInstanceNameLen]
	}
	return name
}
