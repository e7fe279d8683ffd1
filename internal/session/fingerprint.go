package session

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/netip"
	"strings"
)

// Fingerprint derives a short device identifier from user agent and IP.
func Fingerprint(userAgent, ip string) string {
	if userAgent == "" && ip == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(userAgent + ip))
	return hex.EncodeToString(sum[:])[:16]
}

type geo struct {
	Type string `json:"type"`
	IP   string `json:"ip,omitempty"`
	Note string `json:"note,omitempty"`
}

// Geolocate returns a JSON descriptor of the address. Loopback and private
// ranges are reported as local; no external lookup is performed.
func Geolocate(ip string) string {
	g := geo{Type: "external", IP: ip, Note: "Geolocation service not configured"}
	if ip == "" {
		g = geo{Type: "local"}
	} else if addr, err := netip.ParseAddr(ip); err == nil && (addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast()) {
		g = geo{Type: "local", IP: ip}
	}
	b, _ := json.Marshal(g)
	return string(b)
}

// Device classes derived from user agent substrings.
const (
	DeviceMobile  = "Mobile"
	DeviceTablet  = "Tablet"
	DeviceDesktop = "Desktop"
	DeviceUnknown = "Unknown"
)

// DeviceClass buckets a user agent.
func DeviceClass(userAgent string) string {
	ua := strings.ToLower(strings.TrimSpace(userAgent))
	switch {
	case ua == "":
		return DeviceUnknown
	case strings.Contains(ua, "mobile"), strings.Contains(ua, "android"), strings.Contains(ua, "iphone"):
		return DeviceMobile
	case strings.Contains(ua, "tablet"), strings.Contains(ua, "ipad"):
		return DeviceTablet
	default:
		return DeviceDesktop
	}
}
