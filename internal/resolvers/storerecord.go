package resolvers

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/coredns-labs/authdns/internal/dns"
	"github.com/coredns-labs/authdns/internal/store"
)

// fqdn joins a zone apex and a name relative to it into a fully
// qualified owner name. rel == "" means the apex itself.
func fqdn(origin, rel string) string {
	if rel == "" {
		return origin
	}
	return rel + "." + origin
}

// BuildRecord exports storeRecord for packages outside internal/resolvers
// (internal/ixfr's zone-transfer framing) that need the same store-row to
// wire-record conversion the query path uses.
func BuildRecord(origin string, rr store.RR) (dns.Record, error) {
	return storeRecord(origin, rr)
}

// BuildSOARecord exports soaRecord for the same reason.
func BuildSOARecord(z *store.Zone) dns.Record {
	return soaRecord(z)
}

// storeRecord converts a store.RR (text-encoded, mnemonic typed) into
// the wire-ready dns.Record the encoder understands. data is the RR's
// free-form text column, whose shape depends on Type:
//
//	A/AAAA   "<ip>"
//	CNAME/NS/PTR "<target fqdn>"
//	MX       "<exchange fqdn>"       (preference comes from Aux)
//	TXT      "<text>"
//	SRV      "<weight> <port> <target>" (priority comes from Aux)
//	SOA      unused — SOA is assembled from the soa table directly
func storeRecord(origin string, rr store.RR) (dns.Record, error) {
	owner := fqdn(origin, rr.Name)
	rt := strings.ToUpper(rr.Type)

	switch dns.RecordType(typeFromMnemonic(rt)) {
	case dns.TypeA:
		ip := net.ParseIP(strings.TrimSpace(rr.Data))
		if ip == nil || ip.To4() == nil {
			return dns.Record{}, fmt.Errorf("invalid A data %q at %s", rr.Data, owner)
		}
		return dns.Record{Name: owner, Type: uint16(dns.TypeA), Class: uint16(dns.ClassIN), TTL: rr.TTL, Data: []byte(ip.To4())}, nil
	case dns.TypeAAAA:
		ip := net.ParseIP(strings.TrimSpace(rr.Data))
		if ip == nil || ip.To16() == nil {
			return dns.Record{}, fmt.Errorf("invalid AAAA data %q at %s", rr.Data, owner)
		}
		return dns.Record{Name: owner, Type: uint16(dns.TypeAAAA), Class: uint16(dns.ClassIN), TTL: rr.TTL, Data: []byte(ip.To16())}, nil
	case dns.TypeCNAME, dns.TypeNS, dns.TypePTR:
		return dns.Record{Name: owner, Type: uint16(typeFromMnemonic(rt)), Class: uint16(dns.ClassIN), TTL: rr.TTL, Data: strings.TrimSpace(rr.Data)}, nil
	case dns.TypeMX:
		return dns.Record{Name: owner, Type: uint16(dns.TypeMX), Class: uint16(dns.ClassIN), TTL: rr.TTL,
			Data: dns.MXData{Preference: uint16(rr.Aux), Exchange: strings.TrimSpace(rr.Data)}}, nil
	case dns.TypeTXT:
		return dns.Record{Name: owner, Type: uint16(dns.TypeTXT), Class: uint16(dns.ClassIN), TTL: rr.TTL, Data: rr.Data}, nil
	case dns.TypeSRV:
		fields := strings.Fields(rr.Data)
		if len(fields) != 3 {
			return dns.Record{}, fmt.Errorf("invalid SRV data %q at %s", rr.Data, owner)
		}
		weight, err := strconv.ParseUint(fields[0], 10, 16)
		if err != nil {
			return dns.Record{}, fmt.Errorf("invalid SRV weight %q: %w", fields[0], err)
		}
		port, err := strconv.ParseUint(fields[1], 10, 16)
		if err != nil {
			return dns.Record{}, fmt.Errorf("invalid SRV port %q: %w", fields[1], err)
		}
		return dns.Record{Name: owner, Type: uint16(dns.TypeSRV), Class: uint16(dns.ClassIN), TTL: rr.TTL,
			Data: dns.SRVData{Priority: uint16(rr.Aux), Weight: uint16(weight), Port: uint16(port), Target: fields[2]}}, nil
	default:
		return dns.Record{Name: owner, Type: typeFromMnemonic(rt), Class: uint16(dns.ClassIN), TTL: rr.TTL, Data: rr.Data}, nil
	}
}

var mnemonics = map[string]uint16{
	"A": 1, "NS": 2, "CNAME": 5, "SOA": 6, "PTR": 12, "MX": 15, "TXT": 16,
	"AAAA": 28, "LOC": 29, "SRV": 33, "NAPTR": 35, "DS": 43, "RRSIG": 46,
	"NSEC": 47, "DNSKEY": 48, "NSEC3": 50,
}

func typeFromMnemonic(m string) uint16 {
	if t, ok := mnemonics[strings.ToUpper(m)]; ok {
		return t
	}
	return 0
}

// mnemonicFromType is the inverse of typeFromMnemonic, used to translate
// a wire qtype into the text mnemonic the rr.type column stores.
func mnemonicFromType(t uint16) string {
	for m, v := range mnemonics {
		if v == t {
			return m
		}
	}
	return ""
}

// relativeToOrigin reports whether name lies within origin's subtree,
// returning name's part relative to origin ("" at the apex itself).
func relativeToOrigin(name, origin string) (string, bool) {
	if name == origin {
		return "", true
	}
	if strings.HasSuffix(name, "."+origin) {
		return strings.TrimSuffix(name, "."+origin), true
	}
	if origin == "" {
		return name, true
	}
	return "", false
}

// soaRecord builds the wire-ready SOA record for a zone's AUTHORITY
// section.
func soaRecord(z *store.Zone) dns.Record {
	mname, rname, serial, refresh, retry, expire, minimum := z.SOARData()
	return dns.Record{
		Name:  z.Origin,
		Type:  uint16(dns.TypeSOA),
		Class: uint16(dns.ClassIN),
		TTL:   z.TTL,
		Data: dns.SOAData{
			MName: mname, RName: rname, Serial: serial,
			Refresh: refresh, Retry: retry, Expire: expire, Minimum: minimum,
		},
	}
}
