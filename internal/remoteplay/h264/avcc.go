package h264

import (
	"fmt"

	mch264 "github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

// ConvertAnnexBToAVC rewrites an Annex-B access unit into AVCC form
// (4-byte big-endian length prefix per NAL unit), as MP4 samples require.
func ConvertAnnexBToAVC(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}

	var au mch264.AnnexB
	if err := au.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("failed to parse Annex-B: %w", err)
	}
	return MarshalAVCC(au)
}

// MarshalAVCC joins NAL bodies into one length-prefixed AVCC payload.
func MarshalAVCC(nalus [][]byte) ([]byte, error) {
	if len(nalus) == 0 {
		return nil, nil
	}
	out, err := mch264.AVCC(nalus).Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal AVCC: %w", err)
	}
	return out, nil
}

// StripParameterSets drops SPS, PPS and AUD NAL units from an Annex-B access
// unit and returns the remaining NAL bodies.
func StripParameterSets(data []byte) ([][]byte, error) {
	var au mch264.AnnexB
	if err := au.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("failed to parse Annex-B: %w", err)
	}

	out := make([][]byte, 0, len(au))
	for _, nalu := range au {
		if len(nalu) == 0 {
			continue
		}
		switch mch264.NALUType(nalu[0] & 0x1F) {
		case mch264.NALUTypeSPS, mch264.NALUTypePPS, mch264.NALUTypeAccessUnitDelimiter:
			continue
		}
		out = append(out, nalu)
	}
	return out, nil
}
