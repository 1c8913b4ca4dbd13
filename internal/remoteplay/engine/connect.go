package engine

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

const (
	RegistKeySize    = 16
	MorningSize      = 16
	PSNAccountIDSize = 8

	// DefaultPSNAccountID is eight zero bytes, base64 encoded.
	DefaultPSNAccountID = "AAAAAAAAAAA="
)

// Resolution is a video resolution preset.
type Resolution int

const (
	Resolution360p Resolution = iota + 1
	Resolution540p
	Resolution720p
	Resolution1080p
)

var resolutionNames = map[string]Resolution{
	"360p":  Resolution360p,
	"540p":  Resolution540p,
	"720p":  Resolution720p,
	"1080p": Resolution1080p,
}

// ParseResolution accepts "360p", "540p", "720p" or "1080p".
func ParseResolution(s string) (Resolution, error) {
	if r, ok := resolutionNames[strings.ToLower(strings.TrimSpace(s))]; ok {
		return r, nil
	}
	return 0, fmt.Errorf("unsupported resolution %q (want 360p, 540p, 720p or 1080p)", s)
}

func (r Resolution) String() string {
	for name, v := range resolutionNames {
		if v == r {
			return name
		}
	}
	return fmt.Sprintf("resolution(%d)", int(r))
}

// VideoProfile is what the engine negotiates with the console.
type VideoProfile struct {
	Width   int `json:"width"`
	Height  int `json:"height"`
	MaxFPS  int `json:"max_fps"`
	Bitrate int `json:"bitrate_kbps"`
}

// NewVideoProfile expands a resolution/fps preset. fps must be 30 or 60.
func NewVideoProfile(res Resolution, fps int) (VideoProfile, error) {
	if fps != 30 && fps != 60 {
		return VideoProfile{}, fmt.Errorf("unsupported fps %d (want 30 or 60)", fps)
	}

	p := VideoProfile{MaxFPS: fps}
	switch res {
	case Resolution360p:
		p.Width, p.Height, p.Bitrate = 640, 360, 2000
	case Resolution540p:
		p.Width, p.Height, p.Bitrate = 960, 540, 6000
	case Resolution720p:
		p.Width, p.Height, p.Bitrate = 1280, 720, 10000
	case Resolution1080p:
		p.Width, p.Height, p.Bitrate = 1920, 1080, 15000
	default:
		return VideoProfile{}, fmt.Errorf("unsupported resolution %d", int(res))
	}
	return p, nil
}

// ConnectInfo carries everything an engine needs to open a session.
type ConnectInfo struct {
	Host string
	PS5  bool

	// RegistKey is sent verbatim as ASCII, zero padded.
	RegistKey [RegistKeySize]byte
	// Morning is the hex-decoded RP key.
	Morning      [MorningSize]byte
	PSNAccountID [PSNAccountIDSize]byte

	VideoProfile              VideoProfile
	VideoProfileAutoDowngrade bool
	EnableIDROnFECFailure     bool
}

// NewConnectInfo translates the stored host credentials into engine form.
// registKey is taken as ASCII and truncated to 16 bytes. rpKeyHex is
// hex-decoded (at most 16 bytes are used). psnAccountID is base64; empty
// selects DefaultPSNAccountID.
func NewConnectInfo(host, registKey, rpKeyHex, psnAccountID string, ps5 bool, profile VideoProfile) (ConnectInfo, error) {
	if host == "" {
		return ConnectInfo{}, errors.New("host is required")
	}

	info := ConnectInfo{
		Host:                      host,
		PS5:                       ps5,
		VideoProfile:              profile,
		VideoProfileAutoDowngrade: true,
		EnableIDROnFECFailure:     true,
	}

	copy(info.RegistKey[:], registKey)

	if len(rpKeyHex) > 2*MorningSize {
		rpKeyHex = rpKeyHex[:2*MorningSize]
	}
	morning, err := hex.DecodeString(rpKeyHex)
	if err != nil {
		return ConnectInfo{}, errors.Wrap(err, "decode rp key")
	}
	copy(info.Morning[:], morning)

	if psnAccountID == "" {
		psnAccountID = DefaultPSNAccountID
	}
	psn, err := base64.StdEncoding.DecodeString(psnAccountID)
	if err != nil {
		return ConnectInfo{}, errors.Wrap(err, "decode psn account id")
	}
	copy(info.PSNAccountID[:], psn)

	return info, nil
}
