package pki

import (
	"fmt"
	"net"
	"strings"

	"github.com/sirupsen/logrus"
)

const (
	LoopbackName = "localhost"
	LoopbackIPv4 = "127.0.0.1"
)

// SANSet holds the subject alternative names placed in a leaf certificate.
// Entries are unique; insertion order is kept so certificates are stable.
type SANSet struct {
	DNSNames    []string
	IPAddresses []net.IP
}

// AddDNS adds a DNS name, ignoring case-insensitive duplicates.
func (s *SANSet) AddDNS(name string) {
	name = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(name), "."))
	if name == "" {
		return
	}
	for _, n := range s.DNSNames {
		if n == name {
			return
		}
	}
	s.DNSNames = append(s.DNSNames, name)
}

// AddIP adds an address. IPv4 addresses are stored in their 4-byte form.
func (s *SANSet) AddIP(ip net.IP) {
	if ip == nil {
		return
	}
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	for _, have := range s.IPAddresses {
		if have.Equal(ip) {
			return
		}
	}
	s.IPAddresses = append(s.IPAddresses, ip)
}

// AddHost adds host as an IP address when it parses as one, otherwise as a DNS name.
func (s *SANSet) AddHost(host string) {
	if ip := net.ParseIP(strings.Trim(host, "[]")); ip != nil {
		s.AddIP(ip)
		return
	}
	s.AddDNS(host)
}

// ContainsDNS reports whether name is present.
func (s SANSet) ContainsDNS(name string) bool {
	for _, n := range s.DNSNames {
		if n == name {
			return true
		}
	}
	return false
}

// ContainsIP reports whether ip is present.
func (s SANSet) ContainsIP(ip net.IP) bool {
	for _, have := range s.IPAddresses {
		if have.Equal(ip) {
			return true
		}
	}
	return false
}

// AddrSource lists the addresses bound to the local machine.
type AddrSource func() ([]net.Addr, error)

// SANBuilder computes the SAN set of the serving machine.
type SANBuilder struct {
	Addrs AddrSource
	Log   logrus.FieldLogger
}

// NewSANBuilder enumerates addresses with net.InterfaceAddrs.
func NewSANBuilder(log logrus.FieldLogger) *SANBuilder {
	return &SANBuilder{Addrs: net.InterfaceAddrs, Log: log}
}

// Build returns a fresh SAN set: the loopback name and loopback IPv4 address
// followed by every non-loopback address of the machine. A failing address
// enumeration degrades to the loopback-only set.
func (b *SANBuilder) Build() (SANSet, error) {
	var set SANSet
	set.AddDNS(LoopbackName)
	lo := net.ParseIP(LoopbackIPv4)
	if lo == nil {
		return SANSet{}, fmt.Errorf("%w: invalid loopback address %q", ErrSANEnumeration, LoopbackIPv4)
	}
	set.AddIP(lo)

	if b == nil || b.Addrs == nil {
		return set, nil
	}
	addrs, err := b.Addrs()
	if err != nil {
		if b.Log != nil {
			b.Log.WithError(err).Warn("interface enumeration failed, using loopback-only SANs")
		}
		return set, nil
	}
	for _, a := range addrs {
		ip := addrIP(a)
		if ip == nil || ip.IsLoopback() || ip.IsUnspecified() {
			continue
		}
		set.AddIP(ip)
	}
	return set, nil
}

func addrIP(a net.Addr) net.IP {
	switch v := a.(type) {
	case *net.IPNet:
		return v.IP
	case *net.IPAddr:
		return v.IP
	default:
		ip, _, err := net.ParseCIDR(a.String())
		if err != nil {
			return net.ParseIP(a.String())
		}
		return ip
	}
}
