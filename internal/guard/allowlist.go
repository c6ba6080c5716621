package guard

import (
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/Wyydra/huddle/internal/core/domain"
)

// Allowlist admits addresses matching one of its prefixes. An empty list
// admits everyone.
type Allowlist struct {
	prefixes []netip.Prefix
}

// ParseAllowlist accepts single addresses and CIDR ranges.
func ParseAllowlist(entries []string) (*Allowlist, error) {
	a := &Allowlist{}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return nil, fmt.Errorf("allowlist entry %q: %w", e, err)
			}
			a.prefixes = append(a.prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(e)
		if err != nil {
			return nil, fmt.Errorf("allowlist entry %q: %w", e, err)
		}
		addr = addr.Unmap()
		a.prefixes = append(a.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return a, nil
}

func (a *Allowlist) Enabled() bool {
	return a != nil && len(a.prefixes) > 0
}

func (a *Allowlist) Check(ip string) error {
	if !a.Enabled() {
		return nil
	}
	addr, err := netip.ParseAddr(NormalizeIP(ip))
	if err == nil {
		for _, p := range a.prefixes {
			if p.Contains(addr) {
				return nil
			}
		}
	}
	return domain.NewError(domain.CodeIPNotAllowed, "address %s is not allowed", NormalizeIP(ip))
}

// NormalizeIP strips ports, zones and the IPv4-mapped IPv6 prefix so one
// client maps to one key. Unparseable input is returned trimmed.
func NormalizeIP(ip string) string {
	s := strings.TrimSpace(ip)
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return s
	}
	return addr.Unmap().WithZone("").String()
}
