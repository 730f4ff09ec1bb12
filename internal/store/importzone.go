package store

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/coredns-labs/authdns/internal/dns"
	"github.com/coredns-labs/authdns/internal/zone"
)

// ImportZone loads a parsed BIND-style zone file into the relational
// store, replacing any existing zone with the same origin. This is the
// bulk-load path operators use to seed a zone; the query engine never
// parses zone-file text itself.
func ImportZone(ctx context.Context, s *Store, z *zone.Zone) error {
	origin := strings.ToLower(strings.TrimSuffix(z.Origin, "."))
	soaRec := z.SOA(uint16(dns.ClassIN))
	if soaRec == nil {
		return fmt.Errorf("import zone %s: no SOA record", origin)
	}
	mname, rname, serial, refresh, retry, expire, minimum, err := decodeSOAWire(soaRec.RData.([]byte))
	if err != nil {
		return fmt.Errorf("import zone %s: %w", origin, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("import zone %s: %w", origin, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM rr WHERE zone IN (SELECT id FROM soa WHERE origin = ?)`, origin); err != nil {
		return fmt.Errorf("clear old rr rows: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM soa WHERE origin = ?`, origin); err != nil {
		return fmt.Errorf("clear old soa row: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO soa(origin, ns, mbox, serial, refresh, retry, expire, minimum, ttl) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		origin, mname, rname, serial, refresh, retry, expire, minimum, z.DefaultTTL)
	if err != nil {
		return fmt.Errorf("insert soa: %w", err)
	}
	zoneID, err := res.LastInsertId()
	if err != nil {
		return err
	}

	for _, rr := range z.Records {
		if dns.RecordType(rr.Type) == dns.TypeSOA {
			continue
		}
		mnemonic, data, aux, ok := zoneRRToRow(rr)
		if !ok {
			continue
		}
		rel := relName(rr.Name, origin)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO rr(zone, name, type, data, aux, ttl, active) VALUES (?, ?, ?, ?, ?, ?, 1)`,
			zoneID, rel, mnemonic, data, aux, rr.TTL); err != nil {
			return fmt.Errorf("insert rr %s/%s: %w", rr.Name, mnemonic, err)
		}
	}

	return tx.Commit()
}

func relName(name, origin string) string {
	name = strings.ToLower(strings.TrimSuffix(name, "."))
	if name == origin {
		return ""
	}
	return strings.TrimSuffix(name, "."+origin)
}

func zoneRRToRow(rr zone.Record) (mnemonic, data string, aux int, ok bool) {
	switch dns.RecordType(rr.Type) {
	case dns.TypeA, dns.TypeAAAA:
		ip, isOK := rr.RData.(string)
		if !isOK {
			return "", "", 0, false
		}
		mnemonic = mnemonicForWire(rr.Type)
		return mnemonic, ip, 0, true
	case dns.TypeCNAME, dns.TypeNS, dns.TypePTR:
		target, isOK := rr.RData.(string)
		if !isOK {
			return "", "", 0, false
		}
		return mnemonicForWire(rr.Type), target, 0, true
	case dns.TypeMX:
		mx, isOK := rr.RData.(zone.MX)
		if !isOK {
			return "", "", 0, false
		}
		return "MX", mx.Exchange, int(mx.Preference), true
	case dns.TypeTXT:
		text, isOK := rr.RData.(string)
		if !isOK {
			return "", "", 0, false
		}
		return "TXT", text, 0, true
	default:
		return "", "", 0, false
	}
}

func mnemonicForWire(t uint16) string {
	switch dns.RecordType(t) {
	case dns.TypeA:
		return "A"
	case dns.TypeAAAA:
		return "AAAA"
	case dns.TypeCNAME:
		return "CNAME"
	case dns.TypeNS:
		return "NS"
	case dns.TypePTR:
		return "PTR"
	default:
		return ""
	}
}

// decodeSOAWire unpacks the wire-format SOA rdata the zone-file parser
// produces into the fields the soa table's columns hold directly.
func decodeSOAWire(raw []byte) (mname, rname string, serial, refresh, retry, expire, minimum uint32, err error) {
	off := 0
	m, err := dns.DecodeName(raw, &off)
	if err != nil {
		return "", "", 0, 0, 0, 0, 0, err
	}
	r, err := dns.DecodeName(raw, &off)
	if err != nil {
		return "", "", 0, 0, 0, 0, 0, err
	}
	if off+20 > len(raw) {
		return "", "", 0, 0, 0, 0, 0, fmt.Errorf("truncated SOA rdata")
	}
	serial = binary.BigEndian.Uint32(raw[off : off+4])
	refresh = binary.BigEndian.Uint32(raw[off+4 : off+8])
	retry = binary.BigEndian.Uint32(raw[off+8 : off+12])
	expire = binary.BigEndian.Uint32(raw[off+12 : off+16])
	minimum = binary.BigEndian.Uint32(raw[off+16 : off+20])
	return m, r, serial, refresh, retry, expire, minimum, nil
}
