// Package rules decides which requested hostnames receive their own certificate.
package rules

import (
	"net"
	"strings"
)

type Mode string

const (
	ModeAll  Mode = "all"
	ModeList Mode = "list"
)

// Engine matches hosts against an allow-list. A plain entry matches the name
// and all of its subdomains; a "*." entry matches subdomains only.
type Engine struct {
	Mode     Mode
	Exact    []string
	Suffix   []string
	Wildcard []string
}

func New(mode string, list []string) *Engine {
	e := &Engine{Mode: Mode(strings.ToLower(strings.TrimSpace(mode)))}
	if e.Mode == "" {
		e.Mode = ModeAll
	}
	for _, d := range list {
		s := Normalize(d)
		switch {
		case s == "":
			continue
		case strings.HasPrefix(s, "*."):
			e.Wildcard = append(e.Wildcard, s[1:])
		case net.ParseIP(s) != nil:
			e.Exact = append(e.Exact, s)
		default:
			e.Suffix = append(e.Suffix, s)
		}
	}
	return e
}

// Normalize lower-cases host, strips a port, brackets and a trailing dot.
func Normalize(host string) string {
	host = strings.TrimSpace(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	return strings.ToLower(strings.TrimSuffix(host, "."))
}

// Allows reports whether host may be issued a certificate of its own.
func (e *Engine) Allows(host string) bool {
	if e == nil {
		return true
	}
	host = Normalize(host)
	switch e.Mode {
	case ModeAll:
		return true
	case ModeList:
		for _, x := range e.Exact {
			if host == x {
				return true
			}
		}
		for _, suf := range e.Suffix {
			if host == suf || strings.HasSuffix(host, "."+suf) {
				return true
			}
		}
		for _, w := range e.Wildcard {
			if strings.HasSuffix(host, w) && len(host) > len(w) {
				return true
			}
		}
		return false
	default:
		return false
	}
}
