package dns

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
)

// maxPointerOffset is the largest offset a 14-bit compression pointer can
// address (RFC 1035 §4.1.4).
const maxPointerOffset = 0x3FFF

// splitLabels splits a normalized domain name into its ordered labels,
// validating length and ASCII constraints (RFC 1035 §3.1).
func splitLabels(name string) ([]string, error) {
	name = trimDot(name)
	if name == "" {
		return nil, nil
	}
	parts := strings.Split(name, ".")
	for _, label := range parts {
		if label == "" {
			return nil, fmt.Errorf("%w: invalid domain name (empty label): %q", ErrDNSError, name)
		}
		if len(label) > 63 {
			return nil, fmt.Errorf("%w: DNS label too long (%d > 63): %q", ErrDNSError, len(label), label)
		}
		for j := range len(label) {
			if label[j] > 0x7F {
				return nil, fmt.Errorf("%w: domain_name must be ASCII", ErrDNSError)
			}
		}
	}
	return parts, nil
}

// encodeNameCompressed writes name into buf, reusing any suffix already
// present in dict via a 2-byte pointer and registering newly-written
// suffixes (at offsets within the 14-bit pointer range) for reuse by later
// records (RFC 1035 §4.1.4, DESIGN NOTES: "key by (suffix, label-chain)
// with offsets stored by value; rebuild on each reply, never across").
func encodeNameCompressed(buf *bytes.Buffer, dict map[string]int, name string) error {
	labels, err := splitLabels(name)
	if err != nil {
		return err
	}
	n := len(labels)
	if n == 0 {
		buf.WriteByte(0)
		return nil
	}

	matchIdx := -1
	matchOffset := 0
	for i := 0; i < n; i++ {
		suffix := strings.ToLower(strings.Join(labels[i:], "."))
		if off, ok := dict[suffix]; ok {
			matchIdx = i
			matchOffset = off
			break
		}
	}
	boundary := n
	if matchIdx >= 0 {
		boundary = matchIdx
	}

	for i := 0; i < boundary; i++ {
		pos := buf.Len()
		if pos <= maxPointerOffset {
			suffix := strings.ToLower(strings.Join(labels[i:], "."))
			if _, exists := dict[suffix]; !exists {
				dict[suffix] = pos
			}
		}
		label := labels[i]
		buf.WriteByte(byte(len(label)))
		buf.WriteString(label)
	}

	if matchIdx >= 0 {
		ptr := uint16(0xC000) | uint16(matchOffset)
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], ptr)
		buf.Write(b[:])
	} else {
		buf.WriteByte(0)
	}
	return nil
}

// EncodedRecord pairs a wire-encoded record with the byte offset marking
// the end of its encoding within the reply buffer, used by the
// truncation walk to decide which records still fit.
type EncodedRecord struct {
	Record   Record
	EndOffset int
}

// EncodeReply serializes a reply packet with owner-name/rdata compression
// and then applies the truncation policy: walk ANSWER, AUTHORITY,
// ADDITIONAL in order and drop every record whose end-offset exceeds
// maxSize; set TC if ANSWER or AUTHORITY lost a record.
func EncodeReply(p Packet, maxSize int) ([]byte, error) {
	buf := new(bytes.Buffer)
	dict := make(map[string]int)

	h := Header{
		ID:      p.Header.ID,
		Flags:   p.Header.Flags,
		QDCount: uint16(len(p.Questions)),
		ANCount: uint16(len(p.Answers)),
		NSCount: uint16(len(p.Authorities)),
		ARCount: uint16(len(p.Additionals)),
	}
	hb, err := h.Marshal()
	if err != nil {
		return nil, err
	}
	buf.Write(hb)

	for _, q := range p.Questions {
		if err := encodeNameCompressed(buf, dict, q.Name); err != nil {
			return nil, err
		}
		var b [4]byte
		binary.BigEndian.PutUint16(b[0:2], q.Type)
		binary.BigEndian.PutUint16(b[2:4], q.Class)
		buf.Write(b[:])
	}

	ansEnds := make([]int, 0, len(p.Answers))
	authEnds := make([]int, 0, len(p.Authorities))
	addEnds := make([]int, 0, len(p.Additionals))

	for _, rr := range p.Answers {
		end, err := writeRecordCompressed(buf, dict, rr)
		if err != nil {
			return nil, err
		}
		ansEnds = append(ansEnds, end)
	}
	for _, rr := range p.Authorities {
		end, err := writeRecordCompressed(buf, dict, rr)
		if err != nil {
			return nil, err
		}
		authEnds = append(authEnds, end)
	}
	for _, rr := range p.Additionals {
		end, err := writeRecordCompressed(buf, dict, rr)
		if err != nil {
			return nil, err
		}
		addEnds = append(addEnds, end)
	}

	out := buf.Bytes()
	if len(out) <= maxSize {
		return out, nil
	}
	return applyTruncation(out, maxSize, questionBytesLen(out, len(p.Questions)), ansEnds, authEnds, addEnds)
}

// questionBytesLen returns the byte length consumed by the question
// section, used as the floor below which truncation may never cut.
func questionBytesLen(out []byte, numQuestions int) int {
	off := HeaderSize
	for range numQuestions {
		for {
			if off >= len(out) {
				return off
			}
			l := out[off]
			if l == 0 {
				off++
				break
			}
			if l&0xC0 == 0xC0 {
				off += 2
				break
			}
			off += int(l) + 1
		}
		off += 4 // type + class
	}
	return off - HeaderSize
}

// applyTruncation drops records past the size budget and rewrites the
// header counts + TC bit accordingly.
func applyTruncation(out []byte, maxSize, qLen int, ansEnds, authEnds, addEnds []int) ([]byte, error) {
	floor := HeaderSize + qLen
	keepAns, keepAuth, keepAdd := 0, 0, 0
	cut := floor

	walk := func(ends []int, keep *int) bool {
		for _, end := range ends {
			if end > maxSize {
				return true
			}
			*keep++
			cut = end
		}
		return false
	}

	over := walk(ansEnds, &keepAns)
	if !over {
		over = walk(authEnds, &keepAuth)
	}
	if !over {
		walk(addEnds, &keepAdd)
	}

	truncated := make([]byte, cut)
	copy(truncated, out[:cut])

	tc := keepAns < len(ansEnds) || keepAuth < len(authEnds)
	flags := binary.BigEndian.Uint16(truncated[2:4])
	if tc {
		flags |= TCFlag
	}
	binary.BigEndian.PutUint16(truncated[2:4], flags)
	binary.BigEndian.PutUint16(truncated[6:8], uint16(keepAns))
	binary.BigEndian.PutUint16(truncated[8:10], uint16(keepAuth))
	binary.BigEndian.PutUint16(truncated[10:12], uint16(keepAdd))
	return truncated, nil
}

// writeRecordCompressed writes rr into buf using name compression for the
// owner name and, where RFC-permitted, for name-bearing RDATA fields; the
// SRV target is written uncompressed (RFC 2782). Returns the offset of the
// byte immediately after the encoded record.
func writeRecordCompressed(buf *bytes.Buffer, dict map[string]int, rr Record) (int, error) {
	if rr.Type == uint16(TypeOPT) {
		buf.WriteByte(0)
	} else if err := encodeNameCompressed(buf, dict, rr.Name); err != nil {
		return 0, err
	}

	var fixed [8]byte
	binary.BigEndian.PutUint16(fixed[0:2], rr.Type)
	binary.BigEndian.PutUint16(fixed[2:4], rr.Class)
	binary.BigEndian.PutUint32(fixed[4:8], rr.TTL)
	buf.Write(fixed[:])

	rdlenPos := buf.Len()
	buf.Write([]byte{0, 0})
	rdataStart := buf.Len()

	switch RecordType(rr.Type) {
	case TypeCNAME, TypeNS, TypePTR:
		name, ok := rr.Data.(string)
		if !ok || name == "" {
			return 0, fmt.Errorf("%w: name-based record data must be a non-empty string", ErrDNSError)
		}
		if err := encodeNameCompressed(buf, dict, name); err != nil {
			return 0, err
		}
	case TypeMX:
		mx, ok := rr.Data.(MXData)
		if !ok {
			return 0, fmt.Errorf("%w: MX record data must be MXData", ErrDNSError)
		}
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], mx.Preference)
		buf.Write(b[:])
		if err := encodeNameCompressed(buf, dict, mx.Exchange); err != nil {
			return 0, err
		}
	case TypeSOA:
		soa, ok := rr.Data.(SOAData)
		if !ok {
			return 0, fmt.Errorf("%w: SOA record data must be SOAData", ErrDNSError)
		}
		if err := encodeNameCompressed(buf, dict, soa.MName); err != nil {
			return 0, err
		}
		if err := encodeNameCompressed(buf, dict, soa.RName); err != nil {
			return 0, err
		}
		var b [20]byte
		binary.BigEndian.PutUint32(b[0:4], soa.Serial)
		binary.BigEndian.PutUint32(b[4:8], soa.Refresh)
		binary.BigEndian.PutUint32(b[8:12], soa.Retry)
		binary.BigEndian.PutUint32(b[12:16], soa.Expire)
		binary.BigEndian.PutUint32(b[16:20], soa.Minimum)
		buf.Write(b[:])
	case TypeSRV:
		srv, ok := rr.Data.(SRVData)
		if !ok {
			return 0, fmt.Errorf("%w: SRV record data must be SRVData", ErrDNSError)
		}
		b, err := srv.marshal()
		if err != nil {
			return 0, err
		}
		buf.Write(b)
	default:
		b, err := rr.marshalRData()
		if err != nil {
			return 0, err
		}
		buf.Write(b)
	}

	rdlen := buf.Len() - rdataStart
	patched := buf.Bytes()
	binary.BigEndian.PutUint16(patched[rdlenPos:rdlenPos+2], uint16(rdlen))
	return buf.Len(), nil
}
