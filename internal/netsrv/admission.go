// Package netsrv implements the TCP surface: the listening acceptor with
// CIDR admission control and connection caps, and the per-connection I/O
// handler that frames the line protocol.
//
// © 2025 nvecd authors. MIT License.
package netsrv

import (
	"net"

	"go.uber.org/zap"
)

// CIDRList is the parsed allow-list. Admission is fail-closed: an empty
// list denies every client, and invalid entries are skipped at parse time
// with a warning rather than silently widened.
type CIDRList struct {
	nets []*net.IPNet
}

// ParseCIDRList parses entries of the form a.b.c.d/m, skipping invalid
// ones with a warning.
func ParseCIDRList(entries []string, log *zap.Logger) *CIDRList {
	if log == nil {
		log = zap.NewNop()
	}
	l := &CIDRList{}
	for _, entry := range entries {
		_, ipnet, err := net.ParseCIDR(entry)
		if err != nil {
			log.Warn("skipping invalid allow_cidrs entry",
				zap.String("entry", entry), zap.Error(err))
			continue
		}
		l.nets = append(l.nets, ipnet)
	}
	return l
}

// Allowed reports whether ip matches any configured range.
func (l *CIDRList) Allowed(ip net.IP) bool {
	if ip == nil {
		return false
	}
	for _, n := range l.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// Len reports the number of valid ranges.
func (l *CIDRList) Len() int { return len(l.nets) }
