// Package version provides protocol version parsing, ALPN helpers and the
// build information of the seamd binary.
package version

import (
	"bytes"
	"fmt"
	"runtime"
	"strconv"
	"strings"
)

// Current is the protocol version implemented by this library.
const Current = "1.0"

// ALPNPrefix prefixes every seam ALPN protocol string.
const ALPNPrefix = "seam/"

// Build information, set with -ldflags "-X".
var (
	Name      = "seamd"
	Version   = "dev"
	GitCommit = "unknown"
	BuildAt   = "unknown"
	BuildBy   = runtime.Version()
	RunningOS = runtime.GOOS + "/" + runtime.GOARCH
)

// Long renders the build information, one field per line.
func Long() string {
	buf := bytes.NewBuffer(nil)
	fmt.Fprintln(buf, "project:", Name)
	fmt.Fprintln(buf, "version:", Version)
	fmt.Fprintln(buf, "protocol:", Current)
	fmt.Fprintln(buf, "alpn:", strings.Join(SupportedALPNProtocols(), ","))
	fmt.Fprintln(buf, "git commit:", GitCommit)
	fmt.Fprintln(buf, "build at:", BuildAt)
	fmt.Fprintln(buf, "build by:", BuildBy)
	fmt.Fprintln(buf, "running OS/Arch:", RunningOS)
	return buf.String()
}

// ProtocolVersion represents a parsed "major.minor" protocol version.
type ProtocolVersion struct {
	Major uint16
	Minor uint16
}

// Parse parses a "major.minor" version string.
func Parse(s string) (ProtocolVersion, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 2 {
		return ProtocolVersion{}, fmt.Errorf("invalid version %q: expected major.minor", s)
	}

	major, err := strconv.ParseUint(parts[0], 10, 16)
	if err != nil || parts[0] == "" {
		return ProtocolVersion{}, fmt.Errorf("invalid version %q: bad major component", s)
	}

	minor, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil || parts[1] == "" {
		return ProtocolVersion{}, fmt.Errorf("invalid version %q: bad minor component", s)
	}

	return ProtocolVersion{Major: uint16(major), Minor: uint16(minor)}, nil
}

// String returns the version as "major.minor".
func (v ProtocolVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Compatible returns true if the other version has the same major version.
func (v ProtocolVersion) Compatible(other ProtocolVersion) bool {
	return v.Major == other.Major
}

// ALPNProtocol returns the ALPN protocol string for a major version: "seam/N".
func ALPNProtocol(major uint16) string {
	return ALPNPrefix + strconv.FormatUint(uint64(major), 10)
}

// MajorFromALPN extracts the major version from an ALPN protocol string.
func MajorFromALPN(alpn string) (uint16, error) {
	suffix, ok := strings.CutPrefix(alpn, ALPNPrefix)
	if !ok {
		return 0, fmt.Errorf("not a seam ALPN protocol: %q", alpn)
	}
	if suffix == "" {
		return 0, fmt.Errorf("empty major version in ALPN: %q", alpn)
	}

	major, err := strconv.ParseUint(suffix, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid major version in ALPN %q: %w", alpn, err)
	}

	return uint16(major), nil
}

// CurrentALPNProtocol returns the ALPN protocol string of Current.
func CurrentALPNProtocol() string {
	current, _ := Parse(Current)
	return ALPNProtocol(current.Major)
}

// SupportedALPNProtocols returns the ALPN protocol strings for all supported
// major versions.
func SupportedALPNProtocols() []string {
	return []string{CurrentALPNProtocol()}
}
