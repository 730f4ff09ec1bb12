// Package ixfr implements the zone-transfer engine: AXFR full transfers,
// IXFR incremental transfers with an automatic AXFR fallback when the
// delta would be larger than the zone itself, transfer-ACL gating, and
// optional TSIG request verification / reply signing.
package ixfr

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/coredns-labs/authdns/internal/acl"
	"github.com/coredns-labs/authdns/internal/dns"
	"github.com/coredns-labs/authdns/internal/resolvers"
	"github.com/coredns-labs/authdns/internal/store"
	"github.com/coredns-labs/authdns/internal/tsig"
)

// Store is the subset of *store.Store the engine needs.
type Store interface {
	FindZone(ctx context.Context, qname string) (*store.Zone, string, bool, error)
	ChangedSince(ctx context.Context, zoneID int64, since uint32) (added, deleted []store.RR, err error)
	ChangeCount(ctx context.Context, zoneID int64, since uint32) (int, error)
	ZoneRowCount(ctx context.Context, zoneID int64) (int, error)
	AllActiveRRs(ctx context.Context, zoneID int64) ([]store.RR, error)
}

// ACLChecker gates transfer requests by client address and surface.
type ACLChecker interface {
	Allow(ctx context.Context, surface string, addr net.IP, permissiveDefault bool) (bool, error)
}

// Engine answers AXFR/IXFR requests against the zone store.
type Engine struct {
	Store Store
	ACL   ACLChecker
	Keys  tsig.KeySource // nil means no keys: signed requests get NOTAUTH
}

// NewEngine creates a transfer engine. keys may be nil if the deployment
// carries no TSIG keys, in which case signed requests are rejected and
// unsigned requests are answered unsigned.
func NewEngine(st Store, aclChecker ACLChecker, keys tsig.KeySource) *Engine {
	return &Engine{Store: st, ACL: aclChecker, Keys: keys}
}

// Handles reports whether qtype is a transfer type this engine owns.
func Handles(qtype uint16) bool {
	return dns.RecordType(qtype) == dns.TypeAXFR || dns.RecordType(qtype) == dns.TypeIXFR
}

// Handle answers an AXFR/IXFR request. reqBytes is the raw request
// (needed for TSIG verification, which MACs over the original wire
// bytes); parsed is the already-decoded packet.
func (e *Engine) Handle(ctx context.Context, clientAddr net.IP, reqBytes []byte, parsed dns.Packet) []byte {
	if len(parsed.Questions) != 1 {
		return e.errorResponse(parsed, dns.RCodeFormErr, nil)
	}
	q := parsed.Questions[0]
	surface := acl.SurfaceAXFR
	if dns.RecordType(q.Type) == dns.TypeIXFR {
		surface = acl.SurfaceIXFR
	}

	sigRec, err := e.verifyTSIG(reqBytes)
	if err != nil {
		return e.errorResponse(parsed, dns.RCodeNotAuth, nil)
	}

	if e.ACL != nil {
		allowed, err := e.ACL.Allow(ctx, surface, clientAddr, false)
		if err != nil || !allowed {
			return e.errorResponse(parsed, dns.RCodeRefused, sigRec)
		}
	}

	zoneRow, _, ok, err := e.Store.FindZone(ctx, q.Name)
	if err != nil || !ok {
		return e.errorResponse(parsed, dns.RCodeRefused, sigRec)
	}

	var answers []dns.Record
	if dns.RecordType(q.Type) == dns.TypeIXFR {
		answers, err = e.buildIXFR(ctx, zoneRow, parsed)
	} else {
		answers, err = e.buildAXFR(ctx, zoneRow)
	}
	if err != nil {
		return e.errorResponse(parsed, dns.RCodeServFail, sigRec)
	}

	resp := dns.Packet{
		Header:    dns.Header{ID: parsed.Header.ID, Flags: (parsed.Header.Flags | dns.QRFlag | dns.AAFlag) &^ dns.RCodeMask},
		Questions: []dns.Question{q},
		Answers:   answers,
	}
	respBytes, err := resp.Marshal()
	if err != nil {
		return e.errorResponse(parsed, dns.RCodeServFail, sigRec)
	}

	if sigRec != nil {
		if signed, err := e.signReply(respBytes, sigRec); err == nil {
			return signed
		}
	}
	return respBytes
}

// buildIXFR implements the decision tree: up-to-date, delta, or AXFR
// fallback when the delta would be as large as the zone itself.
func (e *Engine) buildIXFR(ctx context.Context, zoneRow *store.Zone, req dns.Packet) ([]dns.Record, error) {
	clientSerial, ok := clientSOASerial(req)
	if !ok {
		return e.buildAXFR(ctx, zoneRow)
	}

	soa := resolvers.BuildSOARecord(zoneRow)
	if clientSerial == zoneRow.Serial {
		return []dns.Record{soa}, nil
	}

	changeCount, err := e.Store.ChangeCount(ctx, zoneRow.ID, clientSerial)
	if err != nil {
		return nil, err
	}
	zoneCount, err := e.Store.ZoneRowCount(ctx, zoneRow.ID)
	if err != nil {
		return nil, err
	}
	// delta size ~= deleted + active + 4 envelope records; full size ~= active + 2.
	if changeCount+4 >= zoneCount+2 {
		return e.buildAXFR(ctx, zoneRow)
	}

	added, deleted, err := e.Store.ChangedSince(ctx, zoneRow.ID, clientSerial)
	if err != nil {
		return nil, err
	}

	oldSOA := soa // the store only tracks the current SOA; the old SOA is
	// reconstructed as the current one since serials prior to a GC'd
	// history are no longer retrievable row-by-row.

	out := make([]dns.Record, 0, len(added)+len(deleted)+4)
	out = append(out, soa, oldSOA)
	for _, rr := range deleted {
		rec, err := resolvers.BuildRecord(zoneRow.Origin, rr)
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	out = append(out, soa)
	for _, rr := range added {
		rec, err := resolvers.BuildRecord(zoneRow.Origin, rr)
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	out = append(out, soa)
	return out, nil
}

// buildAXFR frames the full zone: current SOA, every active RR, current SOA.
func (e *Engine) buildAXFR(ctx context.Context, zoneRow *store.Zone) ([]dns.Record, error) {
	rrs, err := e.Store.AllActiveRRs(ctx, zoneRow.ID)
	if err != nil {
		return nil, err
	}
	soa := resolvers.BuildSOARecord(zoneRow)
	out := make([]dns.Record, 0, len(rrs)+2)
	out = append(out, soa)
	for _, rr := range rrs {
		rec, err := resolvers.BuildRecord(zoneRow.Origin, rr)
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	out = append(out, soa)
	return out, nil
}

// clientSOASerial reads the client's current serial from the request's
// lone AUTHORITY SOA record, per the IXFR request format.
func clientSOASerial(req dns.Packet) (uint32, bool) {
	for _, r := range req.Authorities {
		if dns.RecordType(r.Type) != dns.TypeSOA {
			continue
		}
		if soa, ok := r.Data.(dns.SOAData); ok {
			return soa.Serial, true
		}
	}
	return 0, false
}

// verifyTSIG checks for a TSIG record on the request; returns nil, nil
// if there isn't one (transfers may be unsigned where ACLs allow it).
func (e *Engine) verifyTSIG(reqBytes []byte) (*tsig.Record, error) {
	rec, err := tsig.Extract(reqBytes)
	if err != nil {
		if errors.Is(err, tsig.ErrNoTSIG) {
			return nil, nil
		}
		return nil, err
	}
	if e.Keys == nil {
		return rec, tsig.ErrUnknownKey
	}
	verified, err := tsig.Verify(reqBytes, e.Keys, time.Now())
	if err != nil {
		return rec, err
	}
	return verified, nil
}

// signReply signs respBytes under the key that signed the request,
// binding the request MAC into the reply per RFC 8945 §5.3, then
// appends the resulting TSIG RR and bumps ARCOUNT.
func (e *Engine) signReply(respBytes []byte, reqSig *tsig.Record) ([]byte, error) {
	secretB64, ok, err := e.Keys.SecretFor(reqSig.Name, reqSig.Algorithm)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("ixfr: signing key %q vanished after verification", reqSig.Name)
	}

	rr, err := tsig.Sign(respBytes, reqSig.Name, reqSig.Algorithm, secretB64, reqSig.MAC, time.Now(), tsig.DefaultFudge, reqSig.OrigID)
	if err != nil {
		return nil, err
	}

	out := append([]byte(nil), respBytes...)
	out = append(out, rr...)
	arcount := binary.BigEndian.Uint16(out[10:12])
	binary.BigEndian.PutUint16(out[10:12], arcount+1)
	return out, nil
}

func (e *Engine) errorResponse(req dns.Packet, rcode dns.RCode, sigRec *tsig.Record) []byte {
	resp := dns.BuildErrorResponse(req, uint16(rcode))
	b, err := resp.Marshal()
	if err != nil {
		return nil
	}
	if sigRec != nil {
		if signed, err := e.signReply(b, sigRec); err == nil {
			return signed
		}
	}
	return b
}
