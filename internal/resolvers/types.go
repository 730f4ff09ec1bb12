// Package resolvers provides DNS resolution strategies for HydraDNS.
//
// Architecture:
//
// The resolver chain allows multiple resolution strategies to work together:
//
//   1. FilteringResolver - Filters queries by domain (whitelist/blacklist)
//   2. ZoneResolver - Answers authoritatively from the local zone store
//   3. ForwardingResolver - Queries upstream servers with caching
//   4. Chained - Tries resolvers in order, falling back as needed
//
// Caching Strategy:
//
// The ForwardingResolver includes a TTL-aware LRU cache that:
//   - Respects original record TTLs (capped at the cache's maxTTL)
//   - Caches negative responses (NXDOMAIN, NODATA) per RFC 2308
//   - Caches SERVFAIL responses temporarily to protect upstream
//   - Uses transaction ID stripping (txid=0) in cached responses
//
// Singleflight Deduplication:
//
// Multiple concurrent queries for the same domain share a single upstream request,
// preventing thundering herd amplification during cache misses.
//
// Type-Oriented Design:
//
// All record types (A, AAAA, CNAME, NS, etc.) share the generic dns.Record
// struct; its Data field holds a type-specific value such as dns.MXData.
package resolvers

import (
	"context"

	"github.com/coredns-labs/authdns/internal/dns"
)

// Result holds the outcome of a DNS resolution.
type Result struct {
	ResponseBytes []byte // Wire-format DNS response
	Source        string // Where the answer came from (e.g., "zone", "upstream-cache", "upstream")
}

// QuestionKey uniquely identifies a DNS question for caching purposes.
// DNS names are case-insensitive, so QName should be normalized to lowercase.
//
// Transaction IDs are NOT part of the cache key and are not considered during
// cache lookups. ForwardingResolver pairs this key with the upstream address
// (see cacheKey), so clients querying the same QNAME+QTYPE+QCLASS through the
// same upstream share one cached response (with their txid patched).
type QuestionKey struct {
	QName  string // Lowercase domain name
	QType  uint16 // Query type (A, AAAA, MX, etc.)
	QClass uint16 // Query class (usually IN=1)
}

// Resolver is the interface for DNS resolution strategies.
// Implementations include ZoneResolver (local authoritative zones), ForwardingResolver (upstream),
// and Chained (combining multiple resolvers).
type Resolver interface {
	// Resolve processes a DNS query and returns a response.
	// The context can be used for cancellation and timeouts.
	Resolve(ctx context.Context, req dns.Packet, reqBytes []byte) (Result, error)

	// Close releases any resources held by the resolver (e.g., connection pools).
	Close() error
}

// PatchTransactionID replaces the transaction ID in a DNS message.
//
// The transaction ID occupies the first 2 bytes of every DNS message (big-endian).
// This function is used to:
//   - Normalize upstream responses before caching (set to txid=0)
//   - Restore the original client txid when returning responses
//
// Cached responses contain txid=0 in the wire format, but this value is NEVER used
// for matching or lookups. The cache key (question plus upstream) determines cache hits.
// The stored TXID is purely a placeholder that gets overwritten before each response.
//
// Optimization: Early returns avoid unnecessary allocations when the txid already matches.
func PatchTransactionID(msg []byte, txid uint16) []byte {
	if len(msg) < 2 {
		return msg
	}
	// Check if already has the desired txid (avoid allocation)
	if msg[0] == byte(txid>>8) && msg[1] == byte(txid) {
		return msg
	}
	out := make([]byte, len(msg))
	copy(out, msg)
	out[0] = byte(txid >> 8) // High byte
	out[1] = byte(txid)      // Low byte
	return out
}
