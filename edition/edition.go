// Package edition describes which tier a server process runs as and which
// capabilities it exposes. The answer is fixed at startup.
package edition

import "fmt"

// Edition is the server tier.
type Edition string

const (
	Community  Edition = "community"
	Enterprise Edition = "enterprise"
)

// Parse maps a configuration string to an Edition. Empty selects Community.
func Parse(s string) (Edition, error) {
	switch s {
	case "", string(Community):
		return Community, nil
	case string(Enterprise):
		return Enterprise, nil
	default:
		return "", fmt.Errorf("unknown edition %q", s)
	}
}

// IsEnterprise reports whether enterprise-only surfaces are enabled.
func (e Edition) IsEnterprise() bool {
	return e == Enterprise
}

// Features is the capability block of the edition document.
type Features struct {
	RelayTTLPolicy   string `json:"relayTtlPolicy"`
	RelayPlaceholder bool   `json:"relayPlaceholder"`
	SignalFeed       bool   `json:"signalFeed"`
	DeviceRegistry   bool   `json:"deviceRegistry"`
	AuditLog         bool   `json:"auditLog"`
}

// Info is the static document behind the edition endpoint; the handler
// stamps the timestamp per response.
type Info struct {
	Edition      Edition  `json:"edition"`
	IsEnterprise bool     `json:"isEnterprise"`
	Features     Features `json:"features"`
}

// NewInfo binds an edition to its feature block.
func NewInfo(e Edition, f Features) Info {
	return Info{Edition: e, IsEnterprise: e.IsEnterprise(), Features: f}
}
