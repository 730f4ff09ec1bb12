package resolvers

import (
	"context"
	"errors"
	"strings"

	"github.com/coredns-labs/authdns/internal/dns"
	"github.com/coredns-labs/authdns/internal/dnssec"
	"github.com/coredns-labs/authdns/internal/store"
)

// maxCNAMEChain bounds CNAME chasing within a zone.
const maxCNAMEChain = 8

// ZoneResolver answers DNS queries from the relational zone store. It is
// authoritative for every zone it finds a match in.
type ZoneResolver struct {
	store  *store.Store
	dnssec *dnssec.Assembler
}

// NewZoneResolver creates a ZoneResolver backed by st. dnssecEnabled is
// the server-wide DNSSEC kill switch; per-zone enablement is still
// checked per query against the zone's own dnssec_config row.
func NewZoneResolver(st *store.Store, dnssecEnabled bool) *ZoneResolver {
	return &ZoneResolver{store: st, dnssec: dnssec.NewAssembler(st, dnssecEnabled)}
}

// Close is a no-op; the store's lifecycle is owned by the caller.
func (z *ZoneResolver) Close() error { return nil }

// ErrNotLocal signals that qname falls outside every configured zone; the
// forwarder (or REFUSED, depending on policy) takes over from here.
var ErrNotLocal = errors.New("name not in any configured zone")

func (z *ZoneResolver) Resolve(ctx context.Context, req dns.Packet, _ []byte) (Result, error) {
	if len(req.Questions) == 0 {
		return Result{}, errors.New("no question")
	}
	q := req.Questions[0]
	qname := strings.ToLower(strings.TrimSuffix(q.Name, "."))
	if qname == "" {
		return Result{}, errors.New("empty query name")
	}

	zoneRow, rel, ok, err := z.store.FindZone(ctx, qname)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{}, ErrNotLocal
	}

	opt := dns.ExtractOPT(req.Additionals)
	do := opt != nil && opt.DNSSECOk
	dnssecOn, err := z.dnssec.Enabled(ctx, zoneRow.ID, do)
	if err != nil {
		return Result{}, err
	}

	var answers, additionals, authorities []dns.Record
	rcode := dns.RCodeNoError
	curRel := rel
	curType := q.Type

	for hop := 0; ; hop++ {
		if hop > maxCNAMEChain {
			rcode = dns.RCodeServFail
			break
		}

		if curType == uint16(dns.TypeDNSKEY) && curRel == "" && dnssecOn {
			keys, err := z.dnssec.DNSKEYRecords(ctx, zoneRow.ID, zoneRow.Origin, zoneRow.TTL)
			if err != nil {
				return Result{}, err
			}
			if len(keys) > 0 {
				answers = append(answers, keys...)
				break
			}
		}

		var rrs []store.RR
		if curType == uint16(dns.TypeANY) {
			rrs, err = z.store.LookupAny(ctx, zoneRow.ID, curRel)
		} else {
			rrs, err = z.store.LookupRR(ctx, zoneRow.ID, curRel, mnemonicFromType(curType))
		}
		if err != nil {
			return Result{}, err
		}

		if len(rrs) > 0 {
			for _, rr := range rrs {
				rec, err := storeRecord(zoneRow.Origin, rr)
				if err != nil {
					continue
				}
				answers = append(answers, rec)
			}
			break
		}

		// Step 4: CNAME handling — only chase when the caller didn't
		// literally ask for the CNAME or ANY.
		if curType != uint16(dns.TypeCNAME) && curType != uint16(dns.TypeANY) {
			cnames, err := z.store.LookupRR(ctx, zoneRow.ID, curRel, "CNAME")
			if err != nil {
				return Result{}, err
			}
			if len(cnames) > 0 {
				rec, err := storeRecord(zoneRow.Origin, cnames[0])
				if err != nil {
					return Result{}, err
				}
				answers = append(answers, rec)
				target := strings.ToLower(strings.TrimSuffix(rec.Data.(string), "."))
				nextRel, within := relativeToOrigin(target, strings.ToLower(zoneRow.Origin))
				if !within {
					// Target left this zone; a fresh top-level resolve
					// would be required to continue the chain. Stop
					// here — the caller may re-query.
					break
				}
				curRel = nextRel
				continue
			}
		}

		// Step 5: referral — a subzone NS set between apex and qname.
		if ns, nsOwner, found := z.findReferral(ctx, zoneRow.ID, curRel); found {
			for _, rr := range ns {
				rec, err := storeRecord(zoneRow.Origin, rr)
				if err != nil {
					continue
				}
				authorities = append(authorities, rec)
				additionals = append(additionals, z.glueFor(ctx, rec)...)
			}
			_ = nsOwner
			return z.finish(req, q, zoneRow, answers, authorities, additionals, dns.RCodeNoError, false)
		}

		// Step 6: wildcard — walk upward from curRel toward the apex.
		if wrrs, found := z.findWildcard(ctx, zoneRow.ID, curRel, curType); found {
			for _, rr := range wrrs {
				rec, err := storeRecord(zoneRow.Origin, rr)
				if err != nil {
					continue
				}
				rec.Name = fqdn(zoneRow.Origin, curRel)
				answers = append(answers, rec)
			}
			break
		}

		// Step 7: NXDOMAIN vs NODATA.
		exists, err := z.store.NameExists(ctx, zoneRow.ID, curRel)
		if err != nil {
			return Result{}, err
		}
		if !exists {
			rcode = dns.RCodeNXDomain
		}
		break
	}

	if len(answers) > 0 {
		additionals = append(additionals, z.gatherGlue(ctx, answers)...)
	}
	if len(answers) == 0 {
		authorities = append(authorities, soaRecord(zoneRow))
	}

	if dnssecOn {
		answers = z.signSection(ctx, zoneRow, answers)
		if len(answers) == 0 {
			authorities = z.signSection(ctx, zoneRow, authorities)
			if rcode == dns.RCodeNXDomain {
				if proof, err := z.dnssec.NSEC3Proof(ctx, zoneRow.ID, zoneRow.Origin, curRel); err == nil {
					authorities = append(authorities, proof...)
				}
			}
		}
	}

	return z.finish(req, q, zoneRow, answers, authorities, additionals, rcode, true)
}

// signSection appends RRSIGs covering every non-DNSSEC record already in
// section, skipping records that are themselves RRSIG/DNSKEY/NSEC3 (those
// carry their own signatures assembled alongside them).
func (z *ZoneResolver) signSection(ctx context.Context, zoneRow *store.Zone, section []dns.Record) []dns.Record {
	out := append([]dns.Record(nil), section...)
	for _, rec := range section {
		switch dns.RecordType(rec.Type) {
		case dns.TypeRRSIG, dns.TypeDNSKEY, dns.TypeNSEC3:
			continue
		}
		relName, within := relativeToOrigin(strings.ToLower(strings.TrimSuffix(rec.Name, ".")), strings.ToLower(zoneRow.Origin))
		if !within {
			continue
		}
		sigs, err := z.dnssec.RRSIGsForRRset(ctx, zoneRow.ID, rec.Name, relName, mnemonicFromType(rec.Type), rec.TTL)
		if err != nil {
			continue
		}
		out = append(out, sigs...)
	}
	return out
}

// findReferral looks for an NS set at any ancestor of rel strictly
// between (exclusive) the zone apex and (exclusive) rel itself, closest
// to rel winning.
func (z *ZoneResolver) findReferral(ctx context.Context, zoneID int64, rel string) ([]store.RR, string, bool) {
	labels := strings.Split(rel, ".")
	for i := 1; i < len(labels); i++ {
		cand := strings.Join(labels[i:], ".")
		if cand == rel {
			continue
		}
		ns, err := z.store.LookupRR(ctx, zoneID, cand, "NS")
		if err == nil && len(ns) > 0 {
			return ns, cand, true
		}
	}
	return nil, "", false
}

// findWildcard walks upward from rel toward the apex trying owner name
// "*.<parent>"; the first match wins.
func (z *ZoneResolver) findWildcard(ctx context.Context, zoneID int64, rel string, qtype uint16) ([]store.RR, bool) {
	if rel == "" {
		return nil, false
	}
	labels := strings.Split(rel, ".")
	for i := 1; i <= len(labels); i++ {
		var parent string
		if i < len(labels) {
			parent = strings.Join(labels[i:], ".")
		}
		wildcard := "*"
		if parent != "" {
			wildcard = "*." + parent
		}
		var rrs []store.RR
		var err error
		if qtype == uint16(dns.TypeANY) {
			rrs, err = z.store.LookupAny(ctx, zoneID, wildcard)
		} else {
			rrs, err = z.store.LookupRR(ctx, zoneID, wildcard, mnemonicFromType(qtype))
		}
		if err == nil && len(rrs) > 0 {
			return rrs, true
		}
	}
	return nil, false
}

// glueFor resolves A/AAAA glue for a single NS/MX/SRV target record.
func (z *ZoneResolver) glueFor(ctx context.Context, rec dns.Record) []dns.Record {
	var target string
	switch dns.RecordType(rec.Type) {
	case dns.TypeNS:
		target, _ = rec.Data.(string)
	case dns.TypeMX:
		if mx, ok := rec.Data.(dns.MXData); ok {
			target = mx.Exchange
		}
	case dns.TypeSRV:
		if srv, ok := rec.Data.(dns.SRVData); ok {
			target = srv.Target
		}
	default:
		return nil
	}
	if target == "" {
		return nil
	}
	return z.resolveGlueName(ctx, target)
}

// resolveGlueName resolves a single name to A/AAAA records within the
// local zones, for ADDITIONAL-section glue.
func (z *ZoneResolver) resolveGlueName(ctx context.Context, name string) []dns.Record {
	name = strings.ToLower(strings.TrimSuffix(name, "."))
	zoneRow, rel, ok, err := z.store.FindZone(ctx, name)
	if err != nil || !ok {
		return nil
	}
	var out []dns.Record
	for _, t := range []string{"A", "AAAA"} {
		rrs, err := z.store.LookupRR(ctx, zoneRow.ID, rel, t)
		if err != nil {
			continue
		}
		for _, rr := range rrs {
			rec, err := storeRecord(zoneRow.Origin, rr)
			if err == nil {
				out = append(out, rec)
			}
		}
	}
	return out
}

// gatherGlue resolves A/AAAA glue for every NS/MX/SRV record that ended
// up in ANSWER (referral glue is already attached by findReferral).
func (z *ZoneResolver) gatherGlue(ctx context.Context, answers []dns.Record) []dns.Record {
	var out []dns.Record
	for _, rec := range answers {
		out = append(out, z.glueFor(ctx, rec)...)
	}
	return out
}

func (z *ZoneResolver) finish(req dns.Packet, q dns.Question, zoneRow *store.Zone, answers, authorities, additionals []dns.Record, rcode dns.RCode, authoritative bool) (Result, error) {
	flags := req.Header.Flags | dns.QRFlag
	if authoritative {
		flags |= dns.AAFlag
	}
	flags = (flags &^ dns.RCodeMask) | (uint16(rcode) & dns.RCodeMask)

	// Echo an OPT record (RFC 6891) whenever the request carried one, so
	// an EDNS-aware client learns our advertised UDP payload size and
	// sees its DO bit reflected back.
	if reqOPT := dns.ExtractOPT(req.Additionals); reqOPT != nil {
		respOPT := dns.CreateOPT(dns.EDNSDefaultUDPPayloadSize)
		respOPT.DNSSECOk = reqOPT.DNSSECOk
		additionals = append(additionals, respOPT.ToRecord())
	}

	resp := dns.Packet{
		Header:      dns.Header{ID: req.Header.ID, Flags: flags},
		Questions:   []dns.Question{q},
		Answers:     answers,
		Authorities: authorities,
		Additionals: additionals,
	}
	b, err := resp.Marshal()
	if err != nil {
		return Result{}, err
	}
	return Result{ResponseBytes: b, Source: "zone"}, nil
}
