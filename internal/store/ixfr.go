package store

import (
	"context"
	"fmt"
)

// ChangedSince returns the rows touched after serial Sc, split into
// additions/changes (active) and tombstones (inactive): the delta an
// IXFR response walks (RFC 1995). The caller decides whether the delta
// is smaller than a full transfer before using it.
func (s *Store) ChangedSince(ctx context.Context, zoneID int64, since uint32) (added, deleted []RR, err error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, zone, name, type, data, aux, ttl, active, stamp, serial FROM rr
		 WHERE zone = ? AND serial > ? ORDER BY serial ASC`, zoneID, since)
	if err != nil {
		return nil, nil, fmt.Errorf("changed since: %w", err)
	}
	defer rows.Close()

	all, err := scanRRs(rows)
	if err != nil {
		return nil, nil, err
	}
	for _, r := range all {
		if r.Active {
			added = append(added, r)
		} else {
			deleted = append(deleted, r)
		}
	}
	return added, deleted, nil
}

// ChangeCount is a cheap size estimate for the IXFR-vs-AXFR decision:
// fall back to AXFR when the delta would exceed the full zone.
func (s *Store) ChangeCount(ctx context.Context, zoneID int64, since uint32) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM rr WHERE zone = ? AND serial > ?`, zoneID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("change count: %w", err)
	}
	return n, nil
}

// ZoneRowCount returns the number of active rows in the zone, the other
// half of the IXFR-vs-AXFR size comparison.
func (s *Store) ZoneRowCount(ctx context.Context, zoneID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM rr WHERE zone = ? AND active = 1 AND deleted_at IS NULL`, zoneID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("zone row count: %w", err)
	}
	return n, nil
}

// AllActiveRRs returns every active row in the zone in name order, the
// full-zone walk an AXFR response streams.
func (s *Store) AllActiveRRs(ctx context.Context, zoneID int64) ([]RR, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, zone, name, type, data, aux, ttl, active, stamp, serial FROM rr
		 WHERE zone = ? AND active = 1 AND deleted_at IS NULL ORDER BY name, type`, zoneID)
	if err != nil {
		return nil, fmt.Errorf("all active rrs: %w", err)
	}
	defer rows.Close()
	return scanRRs(rows)
}

// GCTombstones permanently deletes inactive rows whose deleted_at stamp
// is older than before, keeping the rr table from growing unbounded with
// history IXFR clients will never again need a delta against. Meant to
// be run by a periodic garbage-collection task.
func (s *Store) GCTombstones(ctx context.Context, before int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM rr WHERE active = 0 AND deleted_at IS NOT NULL AND deleted_at < ?`, before)
	if err != nil {
		return 0, fmt.Errorf("gc tombstones: %w", err)
	}
	return res.RowsAffected()
}
