package resolvers

import (
	"context"
	"testing"

	"github.com/coredns-labs/authdns/internal/dns"
	"github.com/coredns-labs/authdns/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func seedZone(t *testing.T, st *store.Store, origin string) int64 {
	t.Helper()
	res, err := st.DB().Exec(
		`INSERT INTO soa(origin, ns, mbox, serial, refresh, retry, expire, minimum, ttl) VALUES (?, ?, ?, 1, 3600, 600, 86400, 300, 3600)`,
		origin, "ns1."+origin, "hostmaster."+origin)
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return id
}

func seedRR(t *testing.T, st *store.Store, zoneID int64, name, rtype, data string, aux int) {
	t.Helper()
	_, err := st.DB().Exec(
		`INSERT INTO rr(zone, name, type, data, aux, ttl, active) VALUES (?, ?, ?, ?, ?, 3600, 1)`,
		zoneID, name, rtype, data, aux)
	require.NoError(t, err)
}

func resolveQuery(t *testing.T, r *ZoneResolver, name string, qtype uint16) dns.Packet {
	t.Helper()
	req := dns.Packet{
		Header:    dns.Header{ID: 1, Flags: dns.RDFlag},
		Questions: []dns.Question{{Name: name, Type: qtype, Class: uint16(dns.ClassIN)}},
	}
	res, err := r.Resolve(context.Background(), req, nil)
	require.NoError(t, err)
	resp, err := dns.ParsePacket(res.ResponseBytes)
	require.NoError(t, err)
	return resp
}

func TestZoneResolverExactMatch(t *testing.T) {
	st := newTestStore(t)
	zid := seedZone(t, st, "example.com")
	seedRR(t, st, zid, "www", "A", "192.0.2.1", 0)

	r := NewZoneResolver(st, false)
	resp := resolveQuery(t, r, "www.example.com", uint16(dns.TypeA))

	require.Len(t, resp.Answers, 1)
	assert.Equal(t, "www.example.com", resp.Answers[0].Name)
	assert.NotZero(t, resp.Header.Flags&dns.AAFlag)
	assert.Equal(t, uint16(dns.RCodeNoError), resp.Header.Flags&dns.RCodeMask)
}

func TestZoneResolverEchoesEDNSOPT(t *testing.T) {
	st := newTestStore(t)
	zid := seedZone(t, st, "example.com")
	seedRR(t, st, zid, "www", "A", "192.0.2.1", 0)

	r := NewZoneResolver(st, false)
	req := dns.Packet{
		Header:    dns.Header{ID: 1, Flags: dns.RDFlag},
		Questions: []dns.Question{{Name: "www.example.com", Type: uint16(dns.TypeA), Class: uint16(dns.ClassIN)}},
		Additionals: []dns.Record{
			dns.OPTRecord{UDPPayloadSize: 4096, DNSSECOk: true}.ToRecord(),
		},
	}
	res, err := r.Resolve(context.Background(), req, nil)
	require.NoError(t, err)
	resp, err := dns.ParsePacket(res.ResponseBytes)
	require.NoError(t, err)

	opt := dns.ExtractOPT(resp.Additionals)
	require.NotNil(t, opt, "expected an OPT record echoed back")
	assert.True(t, opt.DNSSECOk, "expected DO bit to be echoed back")
}

func TestZoneResolverNoEDNSInRequestMeansNoOPTInReply(t *testing.T) {
	st := newTestStore(t)
	zid := seedZone(t, st, "example.com")
	seedRR(t, st, zid, "www", "A", "192.0.2.1", 0)

	r := NewZoneResolver(st, false)
	resp := resolveQuery(t, r, "www.example.com", uint16(dns.TypeA))

	assert.Nil(t, dns.ExtractOPT(resp.Additionals), "expected no OPT record when request had none")
}

func TestZoneResolverNXDomainAddsSOA(t *testing.T) {
	st := newTestStore(t)
	seedZone(t, st, "example.com")

	r := NewZoneResolver(st, false)
	resp := resolveQuery(t, r, "nope.example.com", uint16(dns.TypeA))

	assert.Empty(t, resp.Answers)
	require.Len(t, resp.Authorities, 1)
	assert.Equal(t, uint16(dns.TypeSOA), resp.Authorities[0].Type)
	assert.Equal(t, uint16(dns.RCodeNXDomain), resp.Header.Flags&dns.RCodeMask)
}

func TestZoneResolverNoData(t *testing.T) {
	st := newTestStore(t)
	zid := seedZone(t, st, "example.com")
	seedRR(t, st, zid, "www", "A", "192.0.2.1", 0)

	r := NewZoneResolver(st, false)
	resp := resolveQuery(t, r, "www.example.com", uint16(dns.TypeAAAA))

	assert.Empty(t, resp.Answers)
	require.Len(t, resp.Authorities, 1)
	assert.Equal(t, uint16(dns.RCodeNoError), resp.Header.Flags&dns.RCodeMask)
}

func TestZoneResolverCNAMEChase(t *testing.T) {
	st := newTestStore(t)
	zid := seedZone(t, st, "example.com")
	seedRR(t, st, zid, "alias", "CNAME", "www.example.com", 0)
	seedRR(t, st, zid, "www", "A", "192.0.2.1", 0)

	r := NewZoneResolver(st, false)
	resp := resolveQuery(t, r, "alias.example.com", uint16(dns.TypeA))

	require.Len(t, resp.Answers, 2)
	assert.Equal(t, uint16(dns.TypeCNAME), resp.Answers[0].Type)
	assert.Equal(t, uint16(dns.TypeA), resp.Answers[1].Type)
}

func TestZoneResolverReferralWithGlue(t *testing.T) {
	st := newTestStore(t)
	zid := seedZone(t, st, "example.com")
	seedRR(t, st, zid, "sub", "NS", "ns1.sub.example.com", 0)
	seedRR(t, st, zid, "ns1.sub", "A", "192.0.2.53", 0)

	r := NewZoneResolver(st, false)
	resp := resolveQuery(t, r, "host.sub.example.com", uint16(dns.TypeA))

	assert.Empty(t, resp.Answers)
	require.Len(t, resp.Authorities, 1)
	assert.Equal(t, uint16(dns.TypeNS), resp.Authorities[0].Type)
	require.Len(t, resp.Additionals, 1)
	assert.Equal(t, uint16(dns.TypeA), resp.Additionals[0].Type)
	assert.Zero(t, resp.Header.Flags&dns.AAFlag)
}

func TestZoneResolverWildcard(t *testing.T) {
	st := newTestStore(t)
	zid := seedZone(t, st, "example.com")
	seedRR(t, st, zid, "*", "A", "192.0.2.9", 0)

	r := NewZoneResolver(st, false)
	resp := resolveQuery(t, r, "anything.example.com", uint16(dns.TypeA))

	require.Len(t, resp.Answers, 1)
	assert.Equal(t, "anything.example.com", resp.Answers[0].Name)
}

func TestZoneResolverNotLocal(t *testing.T) {
	st := newTestStore(t)
	seedZone(t, st, "example.com")

	r := NewZoneResolver(st, false)
	req := dns.Packet{
		Header:    dns.Header{ID: 1, Flags: dns.RDFlag},
		Questions: []dns.Question{{Name: "other.org", Type: uint16(dns.TypeA), Class: uint16(dns.ClassIN)}},
	}
	_, err := r.Resolve(context.Background(), req, nil)
	assert.ErrorIs(t, err, ErrNotLocal)
}
