package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDNSStats_RecordQuery_CountsByTransport(t *testing.T) {
	s := NewDNSStats()
	s.RecordQuery("udp")
	s.RecordQuery("udp")
	s.RecordQuery("tcp")

	snap := s.Snapshot()
	assert.Equal(t, uint64(3), snap.QueriesTotal)
	assert.Equal(t, uint64(2), snap.QueriesUDP)
	assert.Equal(t, uint64(1), snap.QueriesTCP)
}

func TestDNSStats_RecordNXDOMAINAndError(t *testing.T) {
	s := NewDNSStats()
	s.RecordNXDOMAIN()
	s.RecordNXDOMAIN()
	s.RecordError()

	snap := s.Snapshot()
	assert.Equal(t, uint64(2), snap.ResponsesNX)
	assert.Equal(t, uint64(1), snap.ResponsesErr)
}

func TestDNSStats_AvgLatencyMs(t *testing.T) {
	s := NewDNSStats()
	s.RecordQuery("udp")
	s.RecordLatency(1_000_000) // 1ms
	s.RecordQuery("udp")
	s.RecordLatency(3_000_000) // 3ms

	snap := s.Snapshot()
	assert.InDelta(t, 2.0, snap.AvgLatencyMs, 0.001)
}

func TestDNSStats_EmptySnapshotHasZeroLatency(t *testing.T) {
	s := NewDNSStats()
	snap := s.Snapshot()
	assert.Zero(t, snap.AvgLatencyMs)
	assert.Zero(t, snap.QueriesTotal)
}
