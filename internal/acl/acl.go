// Package acl evaluates the priority-ordered allow/deny rule sets that gate
// each request surface: authoritative query, AXFR, IXFR, NOTIFY, DNS
// UPDATE, DoH.
package acl

import (
	"context"
	"net"
)

// Decision is the outcome of evaluating a client address against a
// surface's rule set.
type Decision int

const (
	// DecisionNoMatch means no enabled rule matched; callers apply the
	// surface's own default (permissive for authoritative, restrictive
	// for recursive).
	DecisionNoMatch Decision = iota
	DecisionAllow
	DecisionDeny
)

// Rule is a single access_control row, already filtered to one surface.
type Rule struct {
	Type     string // ip | network | country | asn
	Value    string
	Action   string // allow | deny
	Priority int
}

// Source loads the enabled rules for a surface. store.Store.RulesFor
// satisfies this by adapting the rows of store.Store.ACLRulesFor,
// keeping this package free of an internal/store import.
type Source interface {
	RulesFor(ctx context.Context, target string) ([]Rule, error)
}

// Surface names match access_control.target values.
const (
	SurfaceAuthoritative = "authoritative"
	SurfaceAXFR          = "axfr"
	SurfaceIXFR          = "ixfr"
	SurfaceNotify        = "notify"
	SurfaceUpdate        = "update"
	SurfaceDoH           = "doh"
)

// Evaluator caches nothing: rules are small, infrequently changed, and
// re-read per request so a store-side reload is immediately effective.
type Evaluator struct {
	source Source
}

func NewEvaluator(source Source) *Evaluator {
	return &Evaluator{source: source}
}

// Allow evaluates addr against the surface's rules in ascending priority
// order; the first match decides, so adding lower-priority rules never
// changes the outcome for an address a higher-priority rule already
// matched. permissiveDefault controls the fallback when no rule matches.
func (e *Evaluator) Allow(ctx context.Context, surface string, addr net.IP, permissiveDefault bool) (bool, error) {
	rules, err := e.source.RulesFor(ctx, surface)
	if err != nil {
		return false, err
	}
	switch decide(rules, addr) {
	case DecisionAllow:
		return true, nil
	case DecisionDeny:
		return false, nil
	default:
		return permissiveDefault, nil
	}
}

func decide(rules []Rule, addr net.IP) Decision {
	for _, r := range rules {
		if matches(r, addr) {
			if r.Action == "deny" {
				return DecisionDeny
			}
			return DecisionAllow
		}
	}
	return DecisionNoMatch
}

func matches(r Rule, addr net.IP) bool {
	switch r.Type {
	case "ip":
		ip := net.ParseIP(r.Value)
		return ip != nil && ip.Equal(addr)
	case "network":
		_, cidr, err := net.ParseCIDR(r.Value)
		return err == nil && cidr.Contains(addr)
	default:
		// country/asn rules require geo/ASN data this store doesn't
		// carry; treat as non-matching rather than silently denying
		// or allowing everything.
		return false
	}
}
