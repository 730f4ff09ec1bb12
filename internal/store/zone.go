package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Zone projects a soa row.
type Zone struct {
	ID         int64
	Origin     string // fully qualified, no trailing dot, lowercase
	NS         string
	MBox       string
	Serial     uint32
	Refresh    uint32
	Retry      uint32
	Expire     uint32
	Minimum    uint32
	TTL        uint32
	Active     bool
	XferACL    string
	AlsoNotify string
}

// RR projects an rr row. Name is relative to the zone apex; the apex
// itself is stored as the empty string.
type RR struct {
	ID     int64
	Zone   int64
	Name   string
	Type   string
	Data   string
	Aux    int
	TTL    uint32
	Active bool
	Stamp  int64
	Serial uint32
}

// FindZone returns the deepest active zone whose apex is a suffix of
// qname: the "closest enclosing zone" rule.
func (s *Store) FindZone(ctx context.Context, qname string) (*Zone, string, bool, error) {
	qname = strings.ToLower(strings.TrimSuffix(qname, "."))
	rows, err := s.db.QueryContext(ctx, `SELECT id, origin, ns, mbox, serial, refresh, retry, expire, minimum, ttl, active, xfer, also_notify FROM soa WHERE active = 1 AND deleted_at IS NULL`)
	if err != nil {
		return nil, "", false, fmt.Errorf("find zone: %w", err)
	}
	defer rows.Close()

	var best *Zone
	var bestRel string
	for rows.Next() {
		var z Zone
		var active int
		if err := rows.Scan(&z.ID, &z.Origin, &z.NS, &z.MBox, &z.Serial, &z.Refresh, &z.Retry, &z.Expire, &z.Minimum, &z.TTL, &active, &z.XferACL, &z.AlsoNotify); err != nil {
			return nil, "", false, fmt.Errorf("scan zone: %w", err)
		}
		z.Active = active != 0
		origin := strings.ToLower(z.Origin)
		rel, ok := relativeTo(qname, origin)
		if !ok {
			continue
		}
		if best == nil || len(origin) > len(best.Origin) {
			zc := z
			best = &zc
			bestRel = rel
		}
	}
	if err := rows.Err(); err != nil {
		return nil, "", false, err
	}
	if best == nil {
		return nil, "", false, nil
	}
	return best, bestRel, true, nil
}

// relativeTo reports whether qname lies within origin's subtree, and
// returns qname's name relative to origin ("" at the apex itself).
func relativeTo(qname, origin string) (string, bool) {
	if qname == origin {
		return "", true
	}
	if strings.HasSuffix(qname, "."+origin) {
		return strings.TrimSuffix(qname, "."+origin), true
	}
	if origin == "" {
		return qname, true
	}
	return "", false
}

// LookupRR returns active records at relName with the given type.
// For qtype ANY (255) callers use LookupAny instead.
func (s *Store) LookupRR(ctx context.Context, zoneID int64, relName, rtype string) ([]RR, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, zone, name, type, data, aux, ttl, active, stamp, serial FROM rr
		 WHERE zone = ? AND name = ? AND type = ? AND active = 1 AND deleted_at IS NULL`,
		zoneID, relName, rtype)
	if err != nil {
		return nil, fmt.Errorf("lookup rr: %w", err)
	}
	defer rows.Close()
	return scanRRs(rows)
}

// LookupAny returns every active record at relName regardless of type
// (qtype=ANY).
func (s *Store) LookupAny(ctx context.Context, zoneID int64, relName string) ([]RR, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, zone, name, type, data, aux, ttl, active, stamp, serial FROM rr
		 WHERE zone = ? AND name = ? AND active = 1 AND deleted_at IS NULL`,
		zoneID, relName)
	if err != nil {
		return nil, fmt.Errorf("lookup any: %w", err)
	}
	defer rows.Close()
	return scanRRs(rows)
}

// NameExists reports whether relName has any active record at all,
// distinguishing NXDOMAIN from NODATA.
func (s *Store) NameExists(ctx context.Context, zoneID int64, relName string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM rr WHERE zone = ? AND name = ? AND active = 1 AND deleted_at IS NULL`,
		zoneID, relName).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("name exists: %w", err)
	}
	return n > 0, nil
}

func scanRRs(rows *sql.Rows) ([]RR, error) {
	var out []RR
	for rows.Next() {
		var r RR
		var active int
		if err := rows.Scan(&r.ID, &r.Zone, &r.Name, &r.Type, &r.Data, &r.Aux, &r.TTL, &active, &r.Stamp, &r.Serial); err != nil {
			return nil, fmt.Errorf("scan rr: %w", err)
		}
		r.Active = active != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// SOARData returns the zone's SOA row fields in SOA RDATA order (MNAME,
// RNAME, serial, refresh, retry, expire, minimum).
func (z *Zone) SOARData() (mname, rname string, serial, refresh, retry, expire, minimum uint32) {
	return z.NS, z.MBox, z.Serial, z.Refresh, z.Retry, z.Expire, z.Minimum
}
