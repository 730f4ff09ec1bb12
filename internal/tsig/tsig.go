// Package tsig implements RFC 8945 transaction signatures for the
// zone-transfer path: verifying a signed IXFR/AXFR/NOTIFY request against
// a known key and signing the matching reply under the same key.
package tsig

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"strings"
	"time"

	"github.com/coredns-labs/authdns/internal/dns"
)

// Algorithm names as they appear in tsig_keys.algorithm and on the wire.
const (
	AlgHMACSHA256 = "hmac-sha256"
	AlgHMACSHA1   = "hmac-sha1"
)

// DefaultFudge is the default allowed clock skew (RFC 8945 §5.2.3).
const DefaultFudge = 300 * time.Second

var ErrUnknownKey = errors.New("tsig: unknown key")
var ErrBadAlgorithm = errors.New("tsig: unsupported algorithm")
var ErrBadTime = errors.New("tsig: time outside fudge window")
var ErrBadMAC = errors.New("tsig: signature verification failed")
var ErrNoTSIG = errors.New("tsig: no TSIG record present")

// Record is a decoded TSIG resource record (RFC 8945 §4.2). Only the
// fields the verify/sign path needs are kept; Name is the signing key's
// owner name carried in the RR, not the query name.
type Record struct {
	Name       string
	Algorithm  string
	TimeSigned uint64
	Fudge      uint16
	MAC        []byte
	OrigID     uint16
	Error      uint16
	OtherData  []byte

	rrStart int // offset of the TSIG RR's NAME field in the original message
}

func newHash(algorithm string) (func() hash.Hash, error) {
	switch strings.ToLower(algorithm) {
	case AlgHMACSHA256:
		return sha256.New, nil
	case AlgHMACSHA1:
		return sha1.New, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrBadAlgorithm, algorithm)
	}
}

// Extract scans the ADDITIONAL section of a raw wire-format message for a
// trailing TSIG record (it must be the last additional record per RFC 8945
// §4.1) and decodes it, returning the record (which keeps the offset where
// the TSIG RR starts in msg, for Verify).
// Returns ErrNoTSIG if the message carries no TSIG record; this is not an
// error for callers that only sign/verify when one is present.
func Extract(msg []byte) (*Record, error) {
	if len(msg) < dns.HeaderSize {
		return nil, ErrNoTSIG
	}
	qdcount := binary.BigEndian.Uint16(msg[4:6])
	ancount := binary.BigEndian.Uint16(msg[6:8])
	nscount := binary.BigEndian.Uint16(msg[8:10])
	arcount := binary.BigEndian.Uint16(msg[10:12])
	if arcount == 0 {
		return nil, ErrNoTSIG
	}

	off := dns.HeaderSize
	for range qdcount {
		if _, err := dns.DecodeName(msg, &off); err != nil {
			return nil, ErrNoTSIG
		}
		off += 4
	}
	skip := func(count uint16) error {
		for range count {
			if _, err := dns.DecodeName(msg, &off); err != nil {
				return err
			}
			if off+10 > len(msg) {
				return fmt.Errorf("truncated record")
			}
			off += 8 // TYPE + CLASS + TTL
			rdlen := int(binary.BigEndian.Uint16(msg[off : off+2]))
			off += 2 + rdlen
			if off > len(msg) {
				return fmt.Errorf("truncated rdata")
			}
		}
		return nil
	}
	if err := skip(ancount); err != nil {
		return nil, ErrNoTSIG
	}
	if err := skip(nscount); err != nil {
		return nil, ErrNoTSIG
	}

	// Walk all but the last additional record looking for the trailing TSIG.
	for i := 0; i < int(arcount)-1; i++ {
		if err := skip(1); err != nil {
			return nil, ErrNoTSIG
		}
	}

	rrStart := off
	name, err := dns.DecodeName(msg, &off)
	if err != nil || off+10 > len(msg) {
		return nil, ErrNoTSIG
	}
	rtype := binary.BigEndian.Uint16(msg[off : off+2])
	off += 8 // TYPE + CLASS(ANY) + TTL(0)
	if dns.RecordType(rtype) != dns.TypeTSIG {
		return nil, ErrNoTSIG
	}
	rdlen := int(binary.BigEndian.Uint16(msg[off : off+2]))
	off += 2
	if off+rdlen > len(msg) {
		return nil, ErrNoTSIG
	}
	rdEnd := off + rdlen

	alg, err := dns.DecodeName(msg, &off)
	if err != nil {
		return nil, ErrNoTSIG
	}
	if off+10 > rdEnd {
		return nil, ErrNoTSIG
	}
	timeHi := binary.BigEndian.Uint16(msg[off : off+2])
	timeLo := binary.BigEndian.Uint32(msg[off+2 : off+6])
	timeSigned := uint64(timeHi)<<32 | uint64(timeLo)
	off += 6
	fudge := binary.BigEndian.Uint16(msg[off : off+2])
	off += 2
	macLen := int(binary.BigEndian.Uint16(msg[off : off+2]))
	off += 2
	if off+macLen > rdEnd {
		return nil, ErrNoTSIG
	}
	mac := append([]byte(nil), msg[off:off+macLen]...)
	off += macLen
	if off+6 > rdEnd {
		return nil, ErrNoTSIG
	}
	origID := binary.BigEndian.Uint16(msg[off : off+2])
	off += 2
	tsigErr := binary.BigEndian.Uint16(msg[off : off+2])
	off += 2
	otherLen := int(binary.BigEndian.Uint16(msg[off : off+2]))
	off += 2
	if off+otherLen > rdEnd {
		return nil, ErrNoTSIG
	}
	other := append([]byte(nil), msg[off:off+otherLen]...)

	return &Record{
		Name:       name,
		Algorithm:  alg,
		TimeSigned: timeSigned,
		Fudge:      fudge,
		MAC:        mac,
		OrigID:     origID,
		Error:      tsigErr,
		OtherData:  other,
		rrStart:    rrStart,
	}, nil
}

// variables builds the TSIG Variables block signed alongside the message
// (RFC 8945 §4.2): key NAME, CLASS=ANY, TTL=0, Algorithm Name, Time Signed,
// Fudge, Error, Other Len/Data, all in canonical (lowercase) wire form.
func variables(keyName, algorithm string, timeSigned uint64, fudge uint16, tsigErr uint16, other []byte) ([]byte, error) {
	var buf []byte

	name, err := dns.EncodeName(strings.ToLower(keyName))
	if err != nil {
		return nil, err
	}
	buf = append(buf, name...)

	var classTTL [6]byte
	binary.BigEndian.PutUint16(classTTL[0:2], 255) // ANY
	binary.BigEndian.PutUint32(classTTL[2:6], 0)
	buf = append(buf, classTTL[:]...)

	alg, err := dns.EncodeName(strings.ToLower(algorithm))
	if err != nil {
		return nil, err
	}
	buf = append(buf, alg...)

	var ts [8]byte
	binary.BigEndian.PutUint16(ts[0:2], uint16(timeSigned>>32))
	binary.BigEndian.PutUint32(ts[2:6], uint32(timeSigned))
	binary.BigEndian.PutUint16(ts[6:8], fudge)
	buf = append(buf, ts[:]...)

	var errOther [4]byte
	binary.BigEndian.PutUint16(errOther[0:2], tsigErr)
	binary.BigEndian.PutUint16(errOther[2:4], uint16(len(other)))
	buf = append(buf, errOther[:]...)
	buf = append(buf, other...)

	return buf, nil
}

// mac computes the HMAC over an optional prior request MAC (present only
// when signing a response), the message bytes up to the TSIG RR with the
// DNS header's message ID restored to the TSIG record's Original ID, and
// the TSIG variables block.
func mac(secret []byte, algorithm string, requestMAC []byte, msgBeforeTSIG []byte, origID uint16, rec *Record) ([]byte, error) {
	newH, err := newHash(algorithm)
	if err != nil {
		return nil, err
	}
	h := hmac.New(newH, secret)

	if len(requestMAC) > 0 {
		var macLen [2]byte
		binary.BigEndian.PutUint16(macLen[:], uint16(len(requestMAC)))
		h.Write(macLen[:])
		h.Write(requestMAC)
	}

	signedMsg := append([]byte(nil), msgBeforeTSIG...)
	binary.BigEndian.PutUint16(signedMsg[0:2], origID)
	h.Write(signedMsg)

	vars, err := variables(rec.Name, rec.Algorithm, rec.TimeSigned, rec.Fudge, rec.Error, rec.OtherData)
	if err != nil {
		return nil, err
	}
	h.Write(vars)

	return h.Sum(nil), nil
}

// KeySource resolves a TSIG key's base64 secret by name; *store.Store
// satisfies it through its SecretFor method, which wraps TSIGKeyByName. It
// is kept here as an interface so this package never imports internal/store.
type KeySource interface {
	SecretFor(name, algorithm string) (string, bool, error)
}

// Verify checks a request's TSIG signature: the key and algorithm must be
// known, the signed time must fall within the fudge window of now, and the
// MAC must match. msg is the full wire-format request including its TSIG
// record.
func Verify(msg []byte, keys KeySource, now time.Time) (*Record, error) {
	rec, err := Extract(msg)
	if err != nil {
		return nil, err
	}
	secretB64, ok, err := keys.SecretFor(rec.Name, rec.Algorithm)
	if err != nil {
		return rec, err
	}
	if !ok {
		return rec, fmt.Errorf("%w: %s", ErrUnknownKey, rec.Name)
	}
	secret, err := base64.StdEncoding.DecodeString(secretB64)
	if err != nil {
		return rec, fmt.Errorf("tsig: bad key secret encoding: %w", err)
	}

	signedAt := time.Unix(int64(rec.TimeSigned), 0)
	skew := now.Sub(signedAt)
	if skew < 0 {
		skew = -skew
	}
	if skew > time.Duration(rec.Fudge)*time.Second {
		return rec, ErrBadTime
	}

	// The MAC covers the message as it looked before the TSIG RR was
	// appended, so ARCOUNT must exclude the TSIG record itself.
	beforeTSIG := append([]byte(nil), msg[:rec.rrStart]...)
	arcount := binary.BigEndian.Uint16(beforeTSIG[10:12])
	binary.BigEndian.PutUint16(beforeTSIG[10:12], arcount-1)

	computed, err := mac(secret, rec.Algorithm, nil, beforeTSIG, rec.OrigID, rec)
	if err != nil {
		return rec, err
	}
	if !hmac.Equal(computed, rec.MAC) {
		return rec, ErrBadMAC
	}
	return rec, nil
}

// Sign computes a reply's TSIG MAC, binding in the request's MAC per
// RFC 8945 §5.3, and returns the wire-format TSIG resource record to
// append to the reply's ADDITIONAL section (ARCOUNT must be bumped by the
// caller, which already owns the rest of the reply's framing).
func Sign(replyBeforeTSIG []byte, keyName, algorithm string, secretB64 string, requestMAC []byte, now time.Time, fudge time.Duration, origID uint16) ([]byte, error) {
	secret, err := base64.StdEncoding.DecodeString(secretB64)
	if err != nil {
		return nil, fmt.Errorf("tsig: bad key secret encoding: %w", err)
	}
	if fudge <= 0 {
		fudge = DefaultFudge
	}

	rec := &Record{
		Name:       keyName,
		Algorithm:  algorithm,
		TimeSigned: uint64(now.Unix()),
		Fudge:      uint16(fudge.Seconds()),
		OrigID:     origID,
	}

	computed, err := mac(secret, algorithm, requestMAC, replyBeforeTSIG, origID, rec)
	if err != nil {
		return nil, err
	}
	rec.MAC = computed

	return marshalRR(rec)
}

// marshalRR encodes a TSIG record in wire format (NAME CLASS=ANY TTL=0
// RDLENGTH RDATA), ready to append to a message's ADDITIONAL section.
func marshalRR(rec *Record) ([]byte, error) {
	name, err := dns.EncodeName(rec.Name)
	if err != nil {
		return nil, err
	}
	alg, err := dns.EncodeName(rec.Algorithm)
	if err != nil {
		return nil, err
	}

	var rdata []byte
	rdata = append(rdata, alg...)
	var ts [8]byte
	binary.BigEndian.PutUint16(ts[0:2], uint16(rec.TimeSigned>>32))
	binary.BigEndian.PutUint32(ts[2:6], uint32(rec.TimeSigned))
	binary.BigEndian.PutUint16(ts[6:8], rec.Fudge)
	rdata = append(rdata, ts[:]...)

	var macLen [2]byte
	binary.BigEndian.PutUint16(macLen[:], uint16(len(rec.MAC)))
	rdata = append(rdata, macLen[:]...)
	rdata = append(rdata, rec.MAC...)

	var tail [6]byte
	binary.BigEndian.PutUint16(tail[0:2], rec.OrigID)
	binary.BigEndian.PutUint16(tail[2:4], rec.Error)
	binary.BigEndian.PutUint16(tail[4:6], uint16(len(rec.OtherData)))
	rdata = append(rdata, tail[:]...)
	rdata = append(rdata, rec.OtherData...)

	var out []byte
	out = append(out, name...)
	var classTTLRDLen [10]byte
	binary.BigEndian.PutUint16(classTTLRDLen[0:2], uint16(dns.TypeTSIG))
	binary.BigEndian.PutUint16(classTTLRDLen[2:4], 255) // CLASS=ANY
	binary.BigEndian.PutUint32(classTTLRDLen[4:8], 0)   // TTL=0
	binary.BigEndian.PutUint16(classTTLRDLen[8:10], uint16(len(rdata)))
	out = append(out, classTTLRDLen[:]...)
	out = append(out, rdata...)

	return out, nil
}
