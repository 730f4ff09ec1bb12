package dns

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// SOAData is the RDATA of an SOA record (RFC 1035 §3.3.13).
type SOAData struct {
	MName   string
	RName   string
	Serial  uint32
	Refresh uint32
	Retry   uint32
	Expire  uint32
	Minimum uint32
}

func (d SOAData) marshal() ([]byte, error) {
	mname, err := EncodeName(d.MName)
	if err != nil {
		return nil, err
	}
	rname, err := EncodeName(d.RName)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(mname)+len(rname)+20)
	out = append(out, mname...)
	out = append(out, rname...)
	fixed := make([]byte, 20)
	binary.BigEndian.PutUint32(fixed[0:4], d.Serial)
	binary.BigEndian.PutUint32(fixed[4:8], d.Refresh)
	binary.BigEndian.PutUint32(fixed[8:12], d.Retry)
	binary.BigEndian.PutUint32(fixed[12:16], d.Expire)
	binary.BigEndian.PutUint32(fixed[16:20], d.Minimum)
	out = append(out, fixed...)
	return out, nil
}

func parseSOARData(msg []byte, off *int, rdlen int) (SOAData, error) {
	start := *off
	mname, err := DecodeName(msg, off)
	if err != nil {
		return SOAData{}, err
	}
	rname, err := DecodeName(msg, off)
	if err != nil {
		return SOAData{}, err
	}
	if *off+20 > len(msg) {
		return SOAData{}, fmt.Errorf("%w: unexpected EOF reading SOA", ErrDNSError)
	}
	b := msg[*off : *off+20]
	*off += 20
	if *off-start != rdlen {
		return SOAData{}, fmt.Errorf("%w: invalid DNS record rdata length for SOA", ErrDNSError)
	}
	return SOAData{
		MName:   mname,
		RName:   rname,
		Serial:  binary.BigEndian.Uint32(b[0:4]),
		Refresh: binary.BigEndian.Uint32(b[4:8]),
		Retry:   binary.BigEndian.Uint32(b[8:12]),
		Expire:  binary.BigEndian.Uint32(b[12:16]),
		Minimum: binary.BigEndian.Uint32(b[16:20]),
	}, nil
}

// SRVData is the RDATA of an SRV record (RFC 2782).
type SRVData struct {
	Priority uint16
	Weight   uint16
	Port     uint16
	Target   string
}

func (d SRVData) marshal() ([]byte, error) {
	target, err := EncodeName(d.Target)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 6, 6+len(target))
	binary.BigEndian.PutUint16(out[0:2], d.Priority)
	binary.BigEndian.PutUint16(out[2:4], d.Weight)
	binary.BigEndian.PutUint16(out[4:6], d.Port)
	out = append(out, target...)
	return out, nil
}

func parseSRVRData(msg []byte, off *int, rdlen int) (SRVData, error) {
	if rdlen < 7 {
		return SRVData{}, fmt.Errorf("%w: SRV rdata too short", ErrDNSError)
	}
	start := *off
	if start+6 > len(msg) {
		return SRVData{}, fmt.Errorf("%w: unexpected EOF reading SRV", ErrDNSError)
	}
	d := SRVData{
		Priority: binary.BigEndian.Uint16(msg[start : start+2]),
		Weight:   binary.BigEndian.Uint16(msg[start+2 : start+4]),
		Port:     binary.BigEndian.Uint16(msg[start+4 : start+6]),
	}
	*off = start + 6
	target, err := DecodeName(msg, off)
	if err != nil {
		return SRVData{}, err
	}
	d.Target = target
	return d, nil
}

// RRSIGData is the RDATA of an RRSIG record (RFC 4034 §3).
type RRSIGData struct {
	TypeCovered uint16
	Algorithm   uint8
	Labels      uint8
	OriginalTTL uint32
	Expiration  uint32
	Inception   uint32
	KeyTag      uint16
	SignerName  string
	Signature   []byte
}

func (d RRSIGData) marshal() ([]byte, error) {
	signer, err := EncodeName(d.SignerName)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 18, 18+len(signer)+len(d.Signature))
	binary.BigEndian.PutUint16(out[0:2], d.TypeCovered)
	out[2] = d.Algorithm
	out[3] = d.Labels
	binary.BigEndian.PutUint32(out[4:8], d.OriginalTTL)
	binary.BigEndian.PutUint32(out[8:12], d.Expiration)
	binary.BigEndian.PutUint32(out[12:16], d.Inception)
	binary.BigEndian.PutUint16(out[16:18], d.KeyTag)
	out = append(out, signer...)
	out = append(out, d.Signature...)
	return out, nil
}

// DNSKEYData is the RDATA of a DNSKEY record (RFC 4034 §2).
type DNSKEYData struct {
	Flags     uint16
	Protocol  uint8
	Algorithm uint8
	PublicKey []byte
}

// DNSKEY flag bits.
const (
	DNSKEYFlagZoneKey uint16 = 1 << 8
	DNSKEYFlagSEP     uint16 = 1 << 0
)

func (d DNSKEYData) marshal() ([]byte, error) {
	out := make([]byte, 4, 4+len(d.PublicKey))
	binary.BigEndian.PutUint16(out[0:2], d.Flags)
	out[2] = d.Protocol
	out[3] = d.Algorithm
	out = append(out, d.PublicKey...)
	return out, nil
}

// NSEC3Data is the RDATA of an NSEC3 record (RFC 5155 §3).
type NSEC3Data struct {
	HashAlgorithm uint8
	Flags         uint8
	Iterations    uint16
	Salt          []byte
	NextHashed    []byte
	TypeBitmap    []byte // pre-encoded windowed bitmap, see EncodeTypeBitmap
}

func (d NSEC3Data) marshal() ([]byte, error) {
	out := make([]byte, 5, 5+1+len(d.Salt)+1+len(d.NextHashed)+len(d.TypeBitmap))
	out[0] = d.HashAlgorithm
	out[1] = d.Flags
	binary.BigEndian.PutUint16(out[2:4], d.Iterations)
	out[4] = byte(len(d.Salt))
	out = append(out, d.Salt...)
	out = append(out, byte(len(d.NextHashed)))
	out = append(out, d.NextHashed...)
	out = append(out, d.TypeBitmap...)
	return out, nil
}

// EncodeTypeBitmap builds the RFC 4034 §4.1.2 windowed type bitmap for the
// given set of RR types present at an owner name. Types are grouped into
// 256-entry windows; each window carries only as many octets as needed to
// cover its highest set bit.
func EncodeTypeBitmap(types []uint16) []byte {
	windows := map[uint8][]byte{}
	for _, t := range types {
		win := uint8(t >> 8)
		bit := uint8(t & 0xFF)
		bm := windows[win]
		need := int(bit/8) + 1
		for len(bm) < need {
			bm = append(bm, 0)
		}
		bm[bit/8] |= 1 << (7 - (bit % 8))
		windows[win] = bm
	}
	var out []byte
	for win := 0; win < 256; win++ {
		bm, ok := windows[uint8(win)]
		if !ok {
			continue
		}
		out = append(out, byte(win), byte(len(bm)))
		out = append(out, bm...)
	}
	return out
}

// LOCData is the decoded RDATA of a LOC record (RFC 1876).
type LOCData struct {
	Version   uint8
	Size      uint8 // packed mantissa/exponent, centimeters
	HorizPre  uint8
	VertPre   uint8
	Latitude  uint32 // fixed-point, 2^31 = equator
	Longitude uint32 // fixed-point, 2^31 = prime meridian
	Altitude  uint32 // fixed-point, centimeters, +10000000 offset
}

func (d LOCData) marshal() ([]byte, error) {
	out := make([]byte, 16)
	out[0] = d.Version
	out[1] = d.Size
	out[2] = d.HorizPre
	out[3] = d.VertPre
	binary.BigEndian.PutUint32(out[4:8], d.Latitude)
	binary.BigEndian.PutUint32(out[8:12], d.Longitude)
	binary.BigEndian.PutUint32(out[12:16], d.Altitude)
	return out, nil
}

func parseLOCRData(msg []byte, off *int, rdlen int) (LOCData, error) {
	if rdlen != 16 {
		return LOCData{}, fmt.Errorf("%w: LOC rdata must be 16 bytes", ErrDNSError)
	}
	start := *off
	if start+16 > len(msg) {
		return LOCData{}, fmt.Errorf("%w: unexpected EOF reading LOC", ErrDNSError)
	}
	b := msg[start : start+16]
	*off = start + 16
	return LOCData{
		Version:   b[0],
		Size:      b[1],
		HorizPre:  b[2],
		VertPre:   b[3],
		Latitude:  binary.BigEndian.Uint32(b[4:8]),
		Longitude: binary.BigEndian.Uint32(b[8:12]),
		Altitude:  binary.BigEndian.Uint32(b[12:16]),
	}, nil
}

// packSizeByte packs a centimeter value into the mantissa/exponent byte
// form used by the LOC SIZE/HORIZ-PRE/VERT-PRE fields (RFC 1876 §3).
func packSizeByte(centimeters float64) (uint8, error) {
	if centimeters < 0 {
		return 0, fmt.Errorf("%w: LOC size must be non-negative", ErrDNSError)
	}
	exp := 0
	mantissa := centimeters
	for mantissa >= 10 {
		mantissa /= 10
		exp++
	}
	if exp > 9 {
		return 0, fmt.Errorf("%w: LOC size out of range", ErrDNSError)
	}
	return uint8(int(mantissa)<<4) | uint8(exp), nil
}

func angleToFixedPoint(degrees, minutes, seconds float64, negative bool) uint32 {
	total := degrees*3600*1000 + minutes*60*1000 + seconds*1000 // milliarcseconds... see below
	_ = total
	milliseconds := (degrees*3600 + minutes*60 + seconds) * 1000
	base := uint32(1 << 31)
	if negative {
		return base - uint32(milliseconds)
	}
	return base + uint32(milliseconds)
}

// ParseLOCText parses the canonical LOC text form:
//
//	DD MM SS.sss {N|S} DDD MM SS.sss {E|W} alt[m] [size[m] [hp[m] [vp[m]]]]
//
// into wire-ready LOCData (RFC 1876 §3).
func ParseLOCText(text string) (LOCData, error) {
	fields := strings.Fields(text)
	if len(fields) < 8 {
		return LOCData{}, fmt.Errorf("%w: LOC text form requires at least 8 fields", ErrDNSError)
	}
	latD, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return LOCData{}, fmt.Errorf("%w: invalid LOC latitude degrees", ErrDNSError)
	}
	latM, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return LOCData{}, fmt.Errorf("%w: invalid LOC latitude minutes", ErrDNSError)
	}
	latS, err := strconv.ParseFloat(fields[2], 64)
	if err != nil {
		return LOCData{}, fmt.Errorf("%w: invalid LOC latitude seconds", ErrDNSError)
	}
	latHemi := strings.ToUpper(fields[3])
	lonD, err := strconv.ParseFloat(fields[4], 64)
	if err != nil {
		return LOCData{}, fmt.Errorf("%w: invalid LOC longitude degrees", ErrDNSError)
	}
	lonM, err := strconv.ParseFloat(fields[5], 64)
	if err != nil {
		return LOCData{}, fmt.Errorf("%w: invalid LOC longitude minutes", ErrDNSError)
	}
	lonS, err := strconv.ParseFloat(fields[6], 64)
	if err != nil {
		return LOCData{}, fmt.Errorf("%w: invalid LOC longitude seconds", ErrDNSError)
	}
	lonHemi := strings.ToUpper(fields[7])

	d := LOCData{Version: 0}
	d.Latitude = angleToFixedPoint(latD, latM, latS, latHemi == "S")
	d.Longitude = angleToFixedPoint(lonD, lonM, lonS, lonHemi == "W")

	rest := fields[8:]
	alt := 0.0
	size := 100.0 // default 1m, in centimeters
	hp := 1000000.0
	vp := 1000000.0
	if len(rest) > 0 {
		v, err := strconv.ParseFloat(strings.TrimSuffix(rest[0], "m"), 64)
		if err != nil {
			return LOCData{}, fmt.Errorf("%w: invalid LOC altitude", ErrDNSError)
		}
		alt = v
	}
	if len(rest) > 1 {
		v, err := strconv.ParseFloat(strings.TrimSuffix(rest[1], "m"), 64)
		if err != nil {
			return LOCData{}, fmt.Errorf("%w: invalid LOC size", ErrDNSError)
		}
		size = v * 100
	}
	if len(rest) > 2 {
		v, err := strconv.ParseFloat(strings.TrimSuffix(rest[2], "m"), 64)
		if err != nil {
			return LOCData{}, fmt.Errorf("%w: invalid LOC horizontal precision", ErrDNSError)
		}
		hp = v * 100
	}
	if len(rest) > 3 {
		v, err := strconv.ParseFloat(strings.TrimSuffix(rest[3], "m"), 64)
		if err != nil {
			return LOCData{}, fmt.Errorf("%w: invalid LOC vertical precision", ErrDNSError)
		}
		vp = v * 100
	}

	d.Altitude = uint32(math.Round(alt*100)) + 10000000

	if d.Size, err = packSizeByte(size); err != nil {
		return LOCData{}, err
	}
	if d.HorizPre, err = packSizeByte(hp); err != nil {
		return LOCData{}, err
	}
	if d.VertPre, err = packSizeByte(vp); err != nil {
		return LOCData{}, err
	}
	return d, nil
}
