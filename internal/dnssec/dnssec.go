// Package dnssec assembles DNSSEC response data (RRSIG, DNSKEY, NSEC3)
// from the precomputed rows the relational zone store carries.
// Nothing here signs on the query path: keys and signatures are
// generated and stored ahead of time by a separate provisioning step: an
// out-of-scope admin plane owns that, the same way a separate process
// owns writing zone data (see internal/store's package doc).
package dnssec

import (
	"context"
	"crypto/sha1"
	"encoding/base32"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/coredns-labs/authdns/internal/dns"
	"github.com/coredns-labs/authdns/internal/store"
)

// Source is the subset of *store.Store the assembler needs. Defining it
// here, rather than importing *store.Store directly into call sites,
// mirrors the internal/tsig and internal/acl split.
type Source interface {
	DNSSECConfigFor(ctx context.Context, zoneID int64) (*store.DNSSECConfig, bool, error)
	DNSKEYsFor(ctx context.Context, zoneID int64) ([]store.DNSKEYRow, error)
	RRSIGsFor(ctx context.Context, zoneID int64, relName, rtype string) ([]store.RRSIGRow, error)
	NSEC3ParamsFor(ctx context.Context, zoneID int64) (algorithm uint8, iterations uint16, salt string, ok bool, err error)
	NSEC3Closest(ctx context.Context, zoneID int64, hash string) (*store.NSEC3Row, bool, error)
	LookupAny(ctx context.Context, zoneID int64, relName string) ([]store.RR, error)
}

// Assembler appends DNSSEC records to in-progress answer sections.
type Assembler struct {
	source        Source
	globalEnabled bool
}

// NewAssembler creates an Assembler. globalEnabled is the server-wide
// DNSSEC kill switch (config dnssec.enabled); per-zone enablement is
// checked separately via Enabled.
func NewAssembler(source Source, globalEnabled bool) *Assembler {
	return &Assembler{source: source, globalEnabled: globalEnabled}
}

// Enabled reports whether DNSSEC assembly should run for this zone: the
// global flag, the zone's own dnssec_config row, and the query's EDNS DO
// bit must all agree.
func (a *Assembler) Enabled(ctx context.Context, zoneID int64, do bool) (bool, error) {
	if !a.globalEnabled || !do {
		return false, nil
	}
	cfg, ok, err := a.source.DNSSECConfigFor(ctx, zoneID)
	if err != nil {
		return false, err
	}
	return ok && cfg.Enabled, nil
}

// RRSIGsForRRset fetches precomputed signatures covering (relName, rtype)
// and assembles them into wire-ready records owned by owner.
func (a *Assembler) RRSIGsForRRset(ctx context.Context, zoneID int64, owner, relName, rtype string, ttl uint32) ([]dns.Record, error) {
	rows, err := a.source.RRSIGsFor(ctx, zoneID, relName, rtype)
	if err != nil {
		return nil, err
	}
	out := make([]dns.Record, 0, len(rows))
	for _, r := range rows {
		rec, err := rrsigRecord(owner, ttl, r)
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// DNSKEYRecords assembles the zone's active DNSKEY RRset plus its
// covering RRSIG.
func (a *Assembler) DNSKEYRecords(ctx context.Context, zoneID int64, apex string, ttl uint32) ([]dns.Record, error) {
	keys, err := a.source.DNSKEYsFor(ctx, zoneID)
	if err != nil {
		return nil, err
	}
	out := make([]dns.Record, 0, len(keys)+1)
	for _, k := range keys {
		rec, err := dnskeyRecord(apex, ttl, k)
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	sigs, err := a.RRSIGsForRRset(ctx, zoneID, apex, "", "DNSKEY", ttl)
	if err != nil {
		return out, err
	}
	return append(out, sigs...), nil
}

// NSEC3Proof returns the NSEC3 record(s) proving relName does not exist
// in the zone, plus the covering RRSIG(s), for an NXDOMAIN response under
// DNSSEC. The type bitmap is computed from the live rr rows at the
// matched row's owner name rather than the row's stored "types" column,
// so a record added or removed after NSEC3 generation is still reflected
// (resolves the NSEC3 type-bitmap handling the store layer leaves open).
func (a *Assembler) NSEC3Proof(ctx context.Context, zoneID int64, apex, relName string) ([]dns.Record, error) {
	alg, iterations, saltHex, ok, err := a.source.NSEC3ParamsFor(ctx, zoneID)
	if err != nil || !ok {
		return nil, err
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return nil, fmt.Errorf("nsec3 salt: %w", err)
	}

	hash := hashName(relName, alg, iterations, salt)
	row, found, err := a.source.NSEC3Closest(ctx, zoneID, hash)
	if err != nil || !found {
		return nil, err
	}

	rec, err := a.nsec3Record(ctx, zoneID, apex, row)
	if err != nil {
		return nil, err
	}

	sigs, err := a.RRSIGsForRRset(ctx, zoneID, apex, row.OwnerName, "NSEC3", rec.TTL)
	if err != nil {
		return []dns.Record{rec}, err
	}
	return append([]dns.Record{rec}, sigs...), nil
}

func (a *Assembler) nsec3Record(ctx context.Context, zoneID int64, apex string, row *store.NSEC3Row) (dns.Record, error) {
	rrs, err := a.source.LookupAny(ctx, zoneID, row.OwnerName)
	if err != nil {
		return dns.Record{}, err
	}
	types := make([]uint16, 0, len(rrs)+1)
	types = append(types, uint16(dns.TypeRRSIG))
	for _, rr := range rrs {
		if t := mnemonicToType(rr.Type); t != 0 {
			types = append(types, t)
		}
	}

	salt, err := hex.DecodeString(row.Salt)
	if err != nil {
		return dns.Record{}, fmt.Errorf("nsec3 salt: %w", err)
	}
	nextHash, err := hex.DecodeString(row.NextHash)
	if err != nil {
		return dns.Record{}, fmt.Errorf("nsec3 next hash: %w", err)
	}

	owner := base32HexEncode(mustHexDecode(row.Hash)) + "." + apex
	return dns.Record{
		Name:  owner,
		Type:  uint16(dns.TypeNSEC3),
		Class: uint16(dns.ClassIN),
		TTL:   3600,
		Data: dns.NSEC3Data{
			HashAlgorithm: row.HashAlgorithm,
			Flags:         row.Flags,
			Iterations:    row.Iterations,
			Salt:          salt,
			NextHashed:    nextHash,
			TypeBitmap:    dns.EncodeTypeBitmap(types),
		},
	}, nil
}

func rrsigRecord(owner string, ttl uint32, r store.RRSIGRow) (dns.Record, error) {
	sig, err := base64.StdEncoding.DecodeString(r.Signature)
	if err != nil {
		return dns.Record{}, fmt.Errorf("rrsig signature: %w", err)
	}
	return dns.Record{
		Name:  owner,
		Type:  uint16(dns.TypeRRSIG),
		Class: uint16(dns.ClassIN),
		TTL:   ttl,
		Data: dns.RRSIGData{
			TypeCovered: mnemonicToType(r.Type),
			Algorithm:   r.Algorithm,
			Labels:      r.Labels,
			OriginalTTL: r.OriginalTTL,
			Expiration:  r.Expiration,
			Inception:   r.Inception,
			KeyTag:      r.KeyTag,
			SignerName:  r.SignerName,
			Signature:   sig,
		},
	}, nil
}

func dnskeyRecord(apex string, ttl uint32, k store.DNSKEYRow) (dns.Record, error) {
	key, err := base64.StdEncoding.DecodeString(k.PublicKey)
	if err != nil {
		return dns.Record{}, fmt.Errorf("dnskey public key: %w", err)
	}
	flags := dns.DNSKEYFlagZoneKey
	if strings.EqualFold(k.KeyType, "KSK") || strings.EqualFold(k.KeyType, "CSK") {
		flags |= dns.DNSKEYFlagSEP
	}
	return dns.Record{
		Name:  apex,
		Type:  uint16(dns.TypeDNSKEY),
		Class: uint16(dns.ClassIN),
		TTL:   ttl,
		Data: dns.DNSKEYData{
			Flags:     flags,
			Protocol:  3,
			Algorithm: k.Algorithm,
			PublicKey: key,
		},
	}, nil
}

// hashName computes the RFC 5155 §5 iterated SHA-1 hash of a relative
// owner name, returning it hex-encoded to match the store's hash column.
func hashName(relName string, algorithm uint8, iterations uint16, salt []byte) string {
	wire, err := dns.EncodeName(canonicalOwner(relName))
	if err != nil {
		return ""
	}
	h := sha1.Sum(append(append([]byte(nil), wire...), salt...))
	digest := h[:]
	for i := uint16(0); i < iterations; i++ {
		sum := sha1.Sum(append(append([]byte(nil), digest...), salt...))
		digest = sum[:]
	}
	return strings.ToLower(hex.EncodeToString(digest))
}

func canonicalOwner(relName string) string {
	if relName == "" {
		return "."
	}
	return strings.ToLower(relName) + "."
}

var base32hexNoPad = base32.NewEncoding("0123456789ABCDEFGHIJKLMNOPQRSTUV").WithPadding(base32.NoPadding)

func base32HexEncode(b []byte) string {
	return strings.ToLower(base32hexNoPad.EncodeToString(b))
}

func mustHexDecode(s string) []byte {
	b, _ := hex.DecodeString(s)
	return b
}

var typeMnemonics = map[string]uint16{
	"A": 1, "NS": 2, "CNAME": 5, "SOA": 6, "PTR": 12, "MX": 15, "TXT": 16,
	"AAAA": 28, "LOC": 29, "SRV": 33, "NAPTR": 35, "DS": 43, "RRSIG": 46,
	"NSEC": 47, "DNSKEY": 48, "NSEC3": 50,
}

func mnemonicToType(m string) uint16 {
	return typeMnemonics[strings.ToUpper(m)]
}
