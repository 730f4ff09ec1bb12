package store

import (
	"context"
	"database/sql"
	"fmt"
)

var sqlNoRows = sql.ErrNoRows

// DNSSECConfig projects a dnssec_config row.
type DNSSECConfig struct {
	ZoneID  int64
	Enabled bool
	NSECMode string // "nsec3" | "nsec"
}

// DNSKEYRow projects a dnssec_keys row.
type DNSKEYRow struct {
	ID        int64
	ZoneID    int64
	Algorithm uint8
	KeyTag    uint16
	KeyType   string
	PublicKey string // base64
	Active    bool
}

// RRSIGRow projects a dnssec_signatures row.
type RRSIGRow struct {
	ID          int64
	ZoneID      int64
	Name        string
	Type        string
	Algorithm   uint8
	Labels      uint8
	OriginalTTL uint32
	Expiration  uint32
	Inception   uint32
	KeyTag      uint16
	SignerName  string
	Signature   string // base64
}

// NSEC3Row projects a dnssec_nsec3 row.
type NSEC3Row struct {
	ID            int64
	ZoneID        int64
	HashAlgorithm uint8
	Flags         uint8
	Iterations    uint16
	Salt          string // hex
	Hash          string // hex, hashed owner name
	NextHash      string // hex
	Types         string // space-separated mnemonics (stored at generation time)
	OwnerName     string // relative name the hash was computed from
}

// DNSSECConfigFor returns the zone's DNSSEC config, or ok=false if the
// zone has never had one provisioned (treated as disabled).
func (s *Store) DNSSECConfigFor(ctx context.Context, zoneID int64) (*DNSSECConfig, bool, error) {
	var c DNSSECConfig
	var enabled int
	err := s.db.QueryRowContext(ctx,
		`SELECT zone_id, dnssec_enabled, nsec_mode FROM dnssec_config WHERE zone_id = ?`, zoneID).
		Scan(&c.ZoneID, &enabled, &c.NSECMode)
	if err == sqlNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("dnssec config: %w", err)
	}
	c.Enabled = enabled != 0
	return &c, true, nil
}

// DNSKEYsFor returns the zone's active DNSKEYs, queried only when DO is
// set and the qtype is DNSKEY or the chain needs key material.
func (s *Store) DNSKEYsFor(ctx context.Context, zoneID int64) ([]DNSKEYRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, zone_id, algorithm, key_tag, key_type, public_key, active FROM dnssec_keys WHERE zone_id = ? AND active = 1`, zoneID)
	if err != nil {
		return nil, fmt.Errorf("dnskeys: %w", err)
	}
	defer rows.Close()

	var out []DNSKEYRow
	for rows.Next() {
		var k DNSKEYRow
		var active int
		if err := rows.Scan(&k.ID, &k.ZoneID, &k.Algorithm, &k.KeyTag, &k.KeyType, &k.PublicKey, &active); err != nil {
			return nil, fmt.Errorf("scan dnskey: %w", err)
		}
		k.Active = active != 0
		out = append(out, k)
	}
	return out, rows.Err()
}

// RRSIGsFor returns the precomputed signatures covering name/rtype.
// DNSSEC responses are assembled from these precomputed rows; nothing
// is signed on the query path.
func (s *Store) RRSIGsFor(ctx context.Context, zoneID int64, relName, rtype string) ([]RRSIGRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, zone_id, name, type, algorithm, labels, original_ttl, signature_expiration, signature_inception, key_tag, signer_name, signature
		 FROM dnssec_signatures WHERE zone_id = ? AND name = ? AND type = ?`, zoneID, relName, rtype)
	if err != nil {
		return nil, fmt.Errorf("rrsigs: %w", err)
	}
	defer rows.Close()

	var out []RRSIGRow
	for rows.Next() {
		var r RRSIGRow
		if err := rows.Scan(&r.ID, &r.ZoneID, &r.Name, &r.Type, &r.Algorithm, &r.Labels, &r.OriginalTTL, &r.Expiration, &r.Inception, &r.KeyTag, &r.SignerName, &r.Signature); err != nil {
			return nil, fmt.Errorf("scan rrsig: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// NSEC3ParamsFor returns the hashing parameters (algorithm, iterations,
// salt) configured for the zone, read off any existing row since they are
// uniform across a zone's NSEC3 chain. ok is false if the zone has no
// NSEC3 rows yet.
func (s *Store) NSEC3ParamsFor(ctx context.Context, zoneID int64) (algorithm uint8, iterations uint16, salt string, ok bool, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT hash_algorithm, iterations, salt FROM dnssec_nsec3 WHERE zone_id = ? LIMIT 1`, zoneID).
		Scan(&algorithm, &iterations, &salt)
	if err == sqlNoRows {
		return 0, 0, "", false, nil
	}
	if err != nil {
		return 0, 0, "", false, fmt.Errorf("nsec3 params: %w", err)
	}
	return algorithm, iterations, salt, true, nil
}

// NSEC3ForHash returns the NSEC3 row whose owner hash equals hash, used
// to prove non-existence.
func (s *Store) NSEC3ForHash(ctx context.Context, zoneID int64, hash string) (*NSEC3Row, bool, error) {
	var n NSEC3Row
	err := s.db.QueryRowContext(ctx,
		`SELECT id, zone_id, hash_algorithm, flags, iterations, salt, hash, next_hash, types, owner_name
		 FROM dnssec_nsec3 WHERE zone_id = ? AND hash = ?`, zoneID, hash).
		Scan(&n.ID, &n.ZoneID, &n.HashAlgorithm, &n.Flags, &n.Iterations, &n.Salt, &n.Hash, &n.NextHash, &n.Types, &n.OwnerName)
	if err == sqlNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("nsec3 for hash: %w", err)
	}
	return &n, true, nil
}

// NSEC3Closest returns the NSEC3 row covering hash: the row whose own
// hash is the greatest one not exceeding hash, wrapping around the
// zone. This is the "closest encloser" proof of nonexistence.
func (s *Store) NSEC3Closest(ctx context.Context, zoneID int64, hash string) (*NSEC3Row, bool, error) {
	var n NSEC3Row
	err := s.db.QueryRowContext(ctx,
		`SELECT id, zone_id, hash_algorithm, flags, iterations, salt, hash, next_hash, types, owner_name
		 FROM dnssec_nsec3 WHERE zone_id = ? AND hash <= ? ORDER BY hash DESC LIMIT 1`, zoneID, hash).
		Scan(&n.ID, &n.ZoneID, &n.HashAlgorithm, &n.Flags, &n.Iterations, &n.Salt, &n.Hash, &n.NextHash, &n.Types, &n.OwnerName)
	if err == sqlNoRows {
		// wrap: largest hash in the zone covers everything past it
		err = s.db.QueryRowContext(ctx,
			`SELECT id, zone_id, hash_algorithm, flags, iterations, salt, hash, next_hash, types, owner_name
			 FROM dnssec_nsec3 WHERE zone_id = ? ORDER BY hash DESC LIMIT 1`, zoneID).
			Scan(&n.ID, &n.ZoneID, &n.HashAlgorithm, &n.Flags, &n.Iterations, &n.Salt, &n.Hash, &n.NextHash, &n.Types, &n.OwnerName)
	}
	if err == sqlNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("nsec3 closest: %w", err)
	}
	return &n, true, nil
}
