package flv

import (
	"github.com/nareix/joy4/codec/h264parser"
)

// H.264 nal_unit_type values (ITU-T H.264 table 7-1).
const (
	NALUNonIDR = 1
	NALUIDR    = 5
	NALUSEI    = 6
	NALUSPS    = 7
	NALUPPS    = 8
	NALUAUD    = 9
)

// SplitNALUs accepts Annex-B, AVCC or a single raw NALU.
func SplitNALUs(b []byte) [][]byte {
	nalus, _ := h264parser.SplitNALUs(b)
	out := nalus[:0]
	for _, n := range nalus {
		if len(n) > 0 {
			out = append(out, n)
		}
	}
	return out
}

// NALUType ...
func NALUType(nalu []byte) int {
	return int(nalu[0] & 0x1f)
}

// IsParameterSets reports whether b holds SPS or PPS and no slice, the
// codec config buffer some encoders emit once before the first IDR.
func IsParameterSets(b []byte) bool {
	ps := false
	for _, n := range SplitNALUs(b) {
		switch NALUType(n) {
		case NALUSPS, NALUPPS:
			ps = true
		case NALUSEI, NALUAUD:
		default:
			return false
		}
	}
	return ps
}

// ContainsIDR reports whether the access unit carries an IDR slice.
func ContainsIDR(b []byte) bool {
	for _, n := range SplitNALUs(b) {
		if NALUType(n) == NALUIDR {
			return true
		}
	}
	return false
}
