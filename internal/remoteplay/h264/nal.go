package h264

import (
	"bytes"
	"fmt"

	mch264 "github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

var (
	// Standard Annex-B start codes
	StartCode3 = []byte{0x00, 0x00, 0x01}
	StartCode4 = []byte{0x00, 0x00, 0x00, 0x01}
)

// MinClassifiableSize is the smallest buffer that can hold a 4-byte start code
// plus the NAL header byte.
const MinClassifiableSize = 5

// NALUnitType represents H.264 NAL unit types
type NALUnitType uint8

const (
	NALUnitTypeUnknown   NALUnitType = 0
	NALUnitTypeSlice     NALUnitType = 1
	NALUnitTypeDPA       NALUnitType = 2
	NALUnitTypeDPB       NALUnitType = 3
	NALUnitTypeDPC       NALUnitType = 4
	NALUnitTypeIDR       NALUnitType = 5
	NALUnitTypeSEI       NALUnitType = 6
	NALUnitTypeSPS       NALUnitType = 7
	NALUnitTypePPS       NALUnitType = 8
	NALUnitTypeAUD       NALUnitType = 9
	NALUnitTypeEndSeq    NALUnitType = 10
	NALUnitTypeEndStream NALUnitType = 11
	NALUnitTypeFiller    NALUnitType = 12
)

var nalUnitTypeNames = map[NALUnitType]string{
	NALUnitTypeSlice:     "slice",
	NALUnitTypeDPA:       "dpa",
	NALUnitTypeDPB:       "dpb",
	NALUnitTypeDPC:       "dpc",
	NALUnitTypeIDR:       "idr",
	NALUnitTypeSEI:       "sei",
	NALUnitTypeSPS:       "sps",
	NALUnitTypePPS:       "pps",
	NALUnitTypeAUD:       "aud",
	NALUnitTypeEndSeq:    "end_seq",
	NALUnitTypeEndStream: "end_stream",
	NALUnitTypeFiller:    "filler",
}

func (t NALUnitType) String() string {
	if name, ok := nalUnitTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("nal(%d)", uint8(t))
}

// FirstNALUnitType returns the type of the NAL unit that starts at offset 0.
// The buffer must begin with a start code followed by at least one header
// byte; anything else reports false.
func FirstNALUnitType(buf []byte) (NALUnitType, bool) {
	if len(buf) < MinClassifiableSize {
		return NALUnitTypeUnknown, false
	}
	if buf[0] == 0 && buf[1] == 0 && buf[2] == 0 && buf[3] == 1 {
		return NALUnitType(buf[4] & 0x1F), true
	}
	if buf[0] == 0 && buf[1] == 0 && buf[2] == 1 {
		return NALUnitType(buf[3] & 0x1F), true
	}
	return NALUnitTypeUnknown, false
}

// HasStartCode checks if data begins with a start code
func HasStartCode(data []byte) bool {
	return bytes.HasPrefix(data, StartCode4) || bytes.HasPrefix(data, StartCode3)
}

// SplitByStartCodes splits Annex-B data into individual NAL units,
// each retaining its start code
func SplitByStartCodes(data []byte) [][]byte {
	if len(data) == 0 {
		return nil
	}

	var nalUnits [][]byte
	var currentStart int

	for i := 0; i < len(data)-2; {
		if i < len(data)-3 && bytes.Equal(data[i:i+4], StartCode4) {
			if i > currentStart {
				nalUnits = append(nalUnits, data[currentStart:i])
			}
			currentStart = i
			i += 4
		} else if bytes.Equal(data[i:i+3], StartCode3) {
			if i > currentStart {
				nalUnits = append(nalUnits, data[currentStart:i])
			}
			currentStart = i
			i += 3
		} else {
			i++
		}
	}

	if currentStart < len(data) {
		nalUnits = append(nalUnits, data[currentStart:])
	}

	return nalUnits
}

// ParameterSets pulls the SPS and PPS NAL bodies (without start codes) out of
// an Annex-B buffer. The last occurrence of each wins.
func ParameterSets(data []byte) (sps, pps []byte, ok bool) {
	var au mch264.AnnexB
	if err := au.Unmarshal(data); err != nil {
		return nil, nil, false
	}
	for _, nalu := range au {
		if len(nalu) == 0 {
			continue
		}
		switch mch264.NALUType(nalu[0] & 0x1F) {
		case mch264.NALUTypeSPS:
			sps = nalu
		case mch264.NALUTypePPS:
			pps = nalu
		}
	}
	return sps, pps, len(sps) > 0 && len(pps) > 0
}
