package device

import "strings"

// Allowlist restricts which connected serials the resolver considers. A nil
// or empty allowlist admits every device.
type Allowlist map[string]struct{}

// ParseAllowlist splits raw on commas, semicolons, pipes and whitespace,
// e.g. DEVICE_ALLOWLIST="device-A,device-B" or "device-A device-B".
func ParseAllowlist(raw string) []string {
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		switch r {
		case ',', ';', '|', ' ', '\t', '\n', '\r':
			return true
		}
		return false
	})
	out := make([]string, 0, len(parts))
	seen := make(map[string]bool, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// NewAllowlist builds the set; blank serials are dropped.
func NewAllowlist(serials []string) Allowlist {
	var set Allowlist
	for _, s := range serials {
		if s = strings.TrimSpace(s); s == "" {
			continue
		}
		if set == nil {
			set = make(Allowlist, len(serials))
		}
		set[s] = struct{}{}
	}
	return set
}

func (a Allowlist) Allows(serial string) bool {
	if len(a) == 0 {
		return true
	}
	_, ok := a[serial]
	return ok
}
