package ratelimit

import (
	"net/netip"
	"strings"

	"github.com/Ciach0/nerimity-server/internal/domain"
)

// Key builds the counter key for rule and subject: the action alone for global rules,
// otherwise identity + "-" + action where identity is the user ID or the normalized IP.
func Key(rule domain.Rule, subject domain.Subject) (string, error) {
	if rule.Global {
		return rule.Action, nil
	}

	identity := subject.UserID
	if rule.UseIP {
		identity = NormalizeIP(subject.IP)
	}
	if identity == "" {
		return "", domain.ErrMissingIdentity
	}
	return identity + "-" + rule.Action, nil
}

// NormalizeIP strips ports, zones and IPv4-in-IPv6 mapping so that every spelling of an
// address yields the same key. Unparseable input is returned trimmed.
func NormalizeIP(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	if ap, err := netip.ParseAddrPort(raw); err == nil {
		return ap.Addr().Unmap().WithZone("").String()
	}

	addr, err := netip.ParseAddr(strings.Trim(raw, "[]"))
	if err != nil {
		return raw
	}
	return addr.Unmap().WithZone("").String()
}
