package ixfr_test

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coredns-labs/authdns/internal/dns"
	"github.com/coredns-labs/authdns/internal/ixfr"
	"github.com/coredns-labs/authdns/internal/store"
)

type fakeStore struct {
	zone        *store.Zone
	zoneOK      bool
	added       []store.RR
	deleted     []store.RR
	changeCount int
	zoneCount   int
	allActive   []store.RR
}

func (f fakeStore) FindZone(ctx context.Context, qname string) (*store.Zone, string, bool, error) {
	if !f.zoneOK {
		return nil, "", false, nil
	}
	return f.zone, "", true, nil
}

func (f fakeStore) ChangedSince(ctx context.Context, zoneID int64, since uint32) ([]store.RR, []store.RR, error) {
	return f.added, f.deleted, nil
}

func (f fakeStore) ChangeCount(ctx context.Context, zoneID int64, since uint32) (int, error) {
	return f.changeCount, nil
}

func (f fakeStore) ZoneRowCount(ctx context.Context, zoneID int64) (int, error) {
	return f.zoneCount, nil
}

func (f fakeStore) AllActiveRRs(ctx context.Context, zoneID int64) ([]store.RR, error) {
	return f.allActive, nil
}

type fakeACL struct {
	allow bool
}

func (f fakeACL) Allow(ctx context.Context, surface string, addr net.IP, permissiveDefault bool) (bool, error) {
	return f.allow, nil
}

func testZone() *store.Zone {
	return &store.Zone{
		ID: 1, Origin: "test.local", NS: "ns1.test.local", MBox: "admin.test.local",
		Serial: 5, Refresh: 3600, Retry: 600, Expire: 604800, Minimum: 86400, TTL: 300, Active: true,
	}
}

func parseReply(t *testing.T, b []byte) dns.Packet {
	t.Helper()
	p, err := dns.ParsePacket(b)
	require.NoError(t, err)
	return p
}

func TestHandleAXFRFramesLeadingAndTrailingSOA(t *testing.T) {
	st := fakeStore{
		zone:   testZone(),
		zoneOK: true,
		allActive: []store.RR{
			{Name: "", Type: "A", Data: "10.0.0.1", TTL: 300, Active: true},
			{Name: "www", Type: "A", Data: "10.0.0.2", TTL: 300, Active: true},
		},
	}
	e := ixfr.NewEngine(st, fakeACL{allow: true}, nil)

	req := dns.Packet{
		Header:    dns.Header{ID: 42},
		Questions: []dns.Question{{Name: "test.local", Type: uint16(dns.TypeAXFR), Class: uint16(dns.ClassIN)}},
	}
	reqBytes, err := req.Marshal()
	require.NoError(t, err)

	respBytes := e.Handle(context.Background(), net.ParseIP("10.1.1.1"), reqBytes, req)
	require.NotNil(t, respBytes)

	resp := parseReply(t, respBytes)
	require.Len(t, resp.Answers, 4, "soa + 2 RRs + soa")
	assert.Equal(t, uint16(dns.TypeSOA), resp.Answers[0].Type)
	assert.Equal(t, uint16(dns.TypeSOA), resp.Answers[len(resp.Answers)-1].Type)
}

func TestHandleIXFRUpToDateRepliesSOAOnly(t *testing.T) {
	zone := testZone()
	st := fakeStore{zone: zone, zoneOK: true}
	e := ixfr.NewEngine(st, fakeACL{allow: true}, nil)

	req := dns.Packet{
		Header:      dns.Header{ID: 7},
		Questions:   []dns.Question{{Name: "test.local", Type: uint16(dns.TypeIXFR), Class: uint16(dns.ClassIN)}},
		Authorities: []dns.Record{{Name: "test.local", Type: uint16(dns.TypeSOA), Class: uint16(dns.ClassIN), Data: dns.SOAData{MName: "ns1.test.local", RName: "admin.test.local", Serial: zone.Serial}}},
	}
	reqBytes, err := req.Marshal()
	require.NoError(t, err)

	resp := parseReply(t, e.Handle(context.Background(), net.ParseIP("10.1.1.1"), reqBytes, req))
	require.Len(t, resp.Answers, 1)
	assert.Equal(t, uint16(dns.TypeSOA), resp.Answers[0].Type)
}

func TestHandleIXFRDeltaOrdering(t *testing.T) {
	zone := testZone()
	st := fakeStore{
		zone: zone, zoneOK: true,
		added:       []store.RR{{Name: "new", Type: "A", Data: "10.0.0.9", TTL: 300, Active: true}},
		deleted:     []store.RR{{Name: "old", Type: "A", Data: "10.0.0.8", TTL: 300, Active: false}},
		changeCount: 2,
		zoneCount:   100,
	}
	e := ixfr.NewEngine(st, fakeACL{allow: true}, nil)

	req := dns.Packet{
		Header:      dns.Header{ID: 9},
		Questions:   []dns.Question{{Name: "test.local", Type: uint16(dns.TypeIXFR), Class: uint16(dns.ClassIN)}},
		Authorities: []dns.Record{{Name: "test.local", Type: uint16(dns.TypeSOA), Class: uint16(dns.ClassIN), Data: dns.SOAData{MName: "ns1.test.local", RName: "admin.test.local", Serial: 1}}},
	}
	reqBytes, err := req.Marshal()
	require.NoError(t, err)

	resp := parseReply(t, e.Handle(context.Background(), net.ParseIP("10.1.1.1"), reqBytes, req))
	// current-SOA, old-SOA, deleted, new-SOA, added, current-SOA
	require.Len(t, resp.Answers, 6)
	assert.Equal(t, uint16(dns.TypeSOA), resp.Answers[0].Type)
	assert.Equal(t, uint16(dns.TypeSOA), resp.Answers[1].Type)
	assert.Equal(t, "old.test.local", resp.Answers[2].Name)
	assert.Equal(t, uint16(dns.TypeSOA), resp.Answers[3].Type)
	assert.Equal(t, "new.test.local", resp.Answers[4].Name)
	assert.Equal(t, uint16(dns.TypeSOA), resp.Answers[5].Type)
}

func TestHandleIXFRFallsBackToAXFRWhenDeltaTooLarge(t *testing.T) {
	zone := testZone()
	st := fakeStore{
		zone: zone, zoneOK: true,
		changeCount: 50,
		zoneCount:   10,
		allActive:   []store.RR{{Name: "www", Type: "A", Data: "10.0.0.2", TTL: 300, Active: true}},
	}
	e := ixfr.NewEngine(st, fakeACL{allow: true}, nil)

	req := dns.Packet{
		Header:      dns.Header{ID: 11},
		Questions:   []dns.Question{{Name: "test.local", Type: uint16(dns.TypeIXFR), Class: uint16(dns.ClassIN)}},
		Authorities: []dns.Record{{Name: "test.local", Type: uint16(dns.TypeSOA), Class: uint16(dns.ClassIN), Data: dns.SOAData{MName: "ns1.test.local", RName: "admin.test.local", Serial: 1}}},
	}
	reqBytes, err := req.Marshal()
	require.NoError(t, err)

	resp := parseReply(t, e.Handle(context.Background(), net.ParseIP("10.1.1.1"), reqBytes, req))
	require.Len(t, resp.Answers, 3, "soa + 1 RR + soa, AXFR-style fallback")
}

func TestHandleDeniedByACLReturnsRefused(t *testing.T) {
	st := fakeStore{zone: testZone(), zoneOK: true}
	e := ixfr.NewEngine(st, fakeACL{allow: false}, nil)

	req := dns.Packet{
		Header:    dns.Header{ID: 3},
		Questions: []dns.Question{{Name: "test.local", Type: uint16(dns.TypeAXFR), Class: uint16(dns.ClassIN)}},
	}
	reqBytes, err := req.Marshal()
	require.NoError(t, err)

	resp := parseReply(t, e.Handle(context.Background(), net.ParseIP("10.1.1.1"), reqBytes, req))
	assert.Equal(t, dns.RCodeRefused, dns.RCodeFromFlags(resp.Header.Flags))
	assert.Empty(t, resp.Answers)
}

func TestHandlesOnlyTransferTypes(t *testing.T) {
	assert.True(t, ixfr.Handles(uint16(dns.TypeAXFR)))
	assert.True(t, ixfr.Handles(uint16(dns.TypeIXFR)))
	assert.False(t, ixfr.Handles(uint16(dns.TypeA)))
}
