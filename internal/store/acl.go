package store

import (
	"context"
	"fmt"

	"github.com/coredns-labs/authdns/internal/acl"
)

// ACLRule projects an access_control row. Rules are evaluated in
// ascending priority order, first match wins.
type ACLRule struct {
	ID       int64
	Target   string // authoritative | axfr | ixfr | notify | update | doh
	Type     string // ip | network | country | asn
	Value    string
	Action   string // allow | deny
	Priority int
	Enabled  bool
}

// ACLRulesFor returns the enabled rules for a surface, ordered by
// priority ascending (lowest priority number evaluated first).
func (s *Store) ACLRulesFor(ctx context.Context, target string) ([]ACLRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, target, type, value, action, priority, enabled FROM access_control
		 WHERE target = ? AND enabled = 1 ORDER BY priority ASC, id ASC`, target)
	if err != nil {
		return nil, fmt.Errorf("acl rules: %w", err)
	}
	defer rows.Close()

	var out []ACLRule
	for rows.Next() {
		var r ACLRule
		var enabled int
		if err := rows.Scan(&r.ID, &r.Target, &r.Type, &r.Value, &r.Action, &r.Priority, &enabled); err != nil {
			return nil, fmt.Errorf("scan acl rule: %w", err)
		}
		r.Enabled = enabled != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// RulesFor implements internal/acl.Source, adapting the enabled
// access_control rows for a surface into the evaluator's own Rule shape.
func (s *Store) RulesFor(ctx context.Context, target string) ([]acl.Rule, error) {
	rows, err := s.ACLRulesFor(ctx, target)
	if err != nil {
		return nil, err
	}
	out := make([]acl.Rule, 0, len(rows))
	for _, r := range rows {
		out = append(out, acl.Rule{Type: r.Type, Value: r.Value, Action: r.Action, Priority: r.Priority})
	}
	return out, nil
}
