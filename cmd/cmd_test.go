package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babelcloud/gbox/packages/remoteplay/internal/remoteplay/hosts"
	"github.com/babelcloud/gbox/packages/remoteplay/internal/remoteplay/snapshot"
)

const chiakiConfig = `[registered_hosts]
1\rp_key=@ByteArray(\x89\f.\xdaG\x7f\xd0\xcf\xfb\x98h\xc9\xf9\xb1\x9b\xe5)
1\rp_regist_key=@ByteArray(d77687f8\0\0\0\0\0\0\0\0)
1\server_mac=@ByteArray(\0\x1\x2\x3\x4\x5)
1\server_nickname="Living Room"
1\target=1000100
size=1

[manual_hosts]
1\host=192.168.1.20
1\id=1
`

var (
	testSPS = []byte{
		0x67, 0x42, 0xc0, 0x28, 0xd9, 0x00, 0x78, 0x02,
		0x27, 0xe5, 0x84, 0x00, 0x00, 0x03, 0x00, 0x04,
		0x00, 0x00, 0x03, 0x00, 0xf0, 0x3c, 0x60, 0xc9,
		0x20,
	}
	testPPS = []byte{0x68, 0xce, 0x38, 0x80}
	testIDR = []byte{0x65, 0x88, 0x84, 0x00, 0x10}
	testP   = []byte{0x41, 0x9a, 0x02, 0x03}
)

func annexB(nalus ...[]byte) []byte {
	var out []byte
	for _, n := range nalus {
		out = append(out, 0, 0, 0, 1)
		out = append(out, n...)
	}
	return out
}

func writeChiakiConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "Chiaki.conf")
	require.NoError(t, os.WriteFile(path, []byte(chiakiConfig), 0o644))
	return path
}

func TestHostsList_Text(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, ExecuteHostsList(&buf, &HostsListOptions{
		OutputFormat: "text",
		ChiakiConfig: writeChiakiConfig(t),
	}))

	out := buf.String()
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "Living Room")
	assert.Contains(t, out, "PS5 v1")
	assert.Contains(t, out, "00:01:02:03:04:05")
	assert.Contains(t, out, "192.168.1.20")
}

func TestFormatTarget(t *testing.T) {
	assert.Equal(t, "PS5 v1", formatTarget(1000100))
	assert.Equal(t, "PS5", formatTarget(1000000))
	assert.Equal(t, "PS4 v10", formatTarget(1000))
	assert.Equal(t, "PS4", formatTarget(0))
	assert.Equal(t, "AA:BB:CC:00:11:22", formatMAC("aa:bb:cc:00:11:22"))
}

func TestHostsList_JSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, ExecuteHostsList(&buf, &HostsListOptions{
		OutputFormat: "json",
		ChiakiConfig: writeChiakiConfig(t),
	}))

	var list []hosts.Host
	require.NoError(t, json.Unmarshal(buf.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "Living Room", list[0].Name)
	assert.Equal(t, "d77687f8", list[0].RegistKey)
	assert.True(t, list[0].PS5)
}

func TestHostsList_TOML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, ExecuteHostsList(&buf, &HostsListOptions{
		OutputFormat: "toml",
		ChiakiConfig: writeChiakiConfig(t),
	}))

	var doc struct {
		Hosts []hosts.Host `toml:"hosts"`
	}
	require.NoError(t, toml.Unmarshal(buf.Bytes(), &doc))
	require.Len(t, doc.Hosts, 1)
	assert.Equal(t, "192.168.1.20", doc.Hosts[0].Address)
}

func TestHostsList_Errors(t *testing.T) {
	err := ExecuteHostsList(&bytes.Buffer{}, &HostsListOptions{
		OutputFormat: "yaml",
		ChiakiConfig: writeChiakiConfig(t),
	})
	assert.ErrorContains(t, err, "invalid output format")

	err = ExecuteHostsList(&bytes.Buffer{}, &HostsListOptions{
		OutputFormat: "text",
		ChiakiConfig: filepath.Join(t.TempDir(), "missing.conf"),
	})
	assert.Error(t, err)
}

func TestConnectInfoFromHost(t *testing.T) {
	opts := &SessionOptions{ChiakiConfig: writeChiakiConfig(t)}
	profile, err := opts.videoProfile()
	require.NoError(t, err)

	info, err := opts.connectInfo("00:01:02:03:04:05", profile)
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.20", info.Host)
	assert.True(t, info.PS5)
	assert.Equal(t, "d77687f8", string(bytes.TrimRight(info.RegistKey[:], "\x00")))
	assert.Equal(t, byte(0x89), info.Morning[0])

	_, err = opts.connectInfo("Bedroom", profile)
	assert.ErrorIs(t, err, hosts.ErrNotFound)

	info, err = opts.connectInfo("", profile)
	require.NoError(t, err)
	assert.Empty(t, info.Host)
	assert.Equal(t, profile, info.VideoProfile)
}

func TestVideoProfileFlags(t *testing.T) {
	p, err := (&SessionOptions{Resolution: "1080p", FPS: 30}).videoProfile()
	require.NoError(t, err)
	assert.Equal(t, 1920, p.Width)
	assert.Equal(t, 30, p.MaxFPS)

	_, err = (&SessionOptions{Resolution: "1080p", FPS: 25}).videoProfile()
	assert.Error(t, err)
	_, err = (&SessionOptions{Resolution: "4k"}).videoProfile()
	assert.Error(t, err)
}

func TestRecordFormat(t *testing.T) {
	tests := []struct {
		flag, output string
		want         snapshot.Format
	}{
		{"", "out.mkv", snapshot.FormatMKV},
		{"", "out.WEBM", snapshot.FormatMKV},
		{"", "out.h264", snapshot.FormatH264},
		{"", "-", snapshot.FormatH264},
		{"mkv", "-", snapshot.FormatMKV},
		{"h264", "out.mkv", snapshot.FormatH264},
	}
	for _, tt := range tests {
		got, err := recordFormat(tt.flag, tt.output)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%s %s", tt.flag, tt.output)
	}

	_, err := recordFormat("avi", "out.avi")
	assert.Error(t, err)
}

func TestDecodePadKeys(t *testing.T) {
	assert.Equal(t, []string{"cross", "circle", "ps"}, decodePadKeys([]byte("xop")))
	assert.Equal(t, []string{"up", "left"}, decodePadKeys([]byte("\x1b[A\x1b[D")))
	assert.Equal(t, []string{"cross", "l2", "r2"}, decodePadKeys([]byte("\rqe")))
	assert.Equal(t, []string{keyQuit}, decodePadKeys([]byte{0x03}))
	assert.Equal(t, []string{keyQuit}, decodePadKeys([]byte{0x1b}))
	assert.Empty(t, decodePadKeys([]byte("KY")))
}

func TestReadPadKeysStopsAtQuit(t *testing.T) {
	keys := make(chan string, 8)
	readPadKeys(strings.NewReader("x\x03o"), keys)

	var got []string
	for k := range keys {
		got = append(got, k)
	}
	assert.Equal(t, []string{"cross", keyQuit}, got)
}

func TestWriteKeyframe(t *testing.T) {
	dir := t.TempDir()
	kf := annexB(testSPS, testPPS, testIDR)
	ctx := context.Background()

	raw := filepath.Join(dir, "nested", "frame.h264")
	require.NoError(t, writeKeyframe(ctx, raw, kf, ""))
	data, err := os.ReadFile(raw)
	require.NoError(t, err)
	assert.Equal(t, kf, data)

	mp4 := filepath.Join(dir, "frame.mp4")
	require.NoError(t, writeKeyframe(ctx, mp4, kf, ""))
	data, err = os.ReadFile(mp4)
	require.NoError(t, err)
	assert.Equal(t, "ftyp", string(data[4:8]))

	assert.ErrorContains(t, writeKeyframe(ctx, filepath.Join(dir, "frame.gif"), kf, ""), "unsupported output format")
}

func TestVersionCommand(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, ExecuteVersion(&buf, &VersionOptions{OutputFormat: "json"}))

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	assert.Equal(t, "dev", out["version"])
	assert.Contains(t, out["engines"], "replay")

	buf.Reset()
	require.NoError(t, ExecuteVersion(&buf, &VersionOptions{OutputFormat: "text"}))
	assert.Contains(t, buf.String(), "replay")
}

func TestScreenshotFromReplay(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "capture.h264")
	require.NoError(t, os.WriteFile(src, annexB(
		testSPS, testPPS, testIDR, testP, testP, testP,
		testSPS, testPPS, testIDR, testP, testP, testP,
	), 0o644))

	out := filepath.Join(dir, "shot.h264")
	mp4 := filepath.Join(dir, "shot.mp4")

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs([]string{
		"screenshot",
		"--engine", "replay", "--source", src, "--loop",
		"--resolution", "720p", "--fps", "60",
		"--no-wake",
		"-o", out, "--mp4", mp4,
	})
	defer rootCmd.SetArgs(nil)
	require.NoError(t, rootCmd.ExecuteContext(context.Background()))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, annexB(testSPS, testPPS, testIDR), data)
	assert.FileExists(t, mp4)
	assert.Contains(t, stdout.String(), "Saved "+out)
}

func TestScreenshotFlagsPickFormat(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "capture.h264")
	require.NoError(t, os.WriteFile(src, annexB(testSPS, testPPS, testIDR, testP, testP), 0o644))

	out := filepath.Join(dir, "shot.h264")
	raw := filepath.Join(dir, "keyframe.bin")
	mp4 := filepath.Join(dir, "movie.dat")

	rootCmd.SetOut(&bytes.Buffer{})
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs([]string{
		"screenshot",
		"--engine", "replay", "--source", src, "--loop",
		"--no-wake",
		"-o", out, "--raw", raw, "--mp4", mp4,
	})
	defer rootCmd.SetArgs(nil)
	require.NoError(t, rootCmd.ExecuteContext(context.Background()))

	data, err := os.ReadFile(raw)
	require.NoError(t, err)
	assert.Equal(t, annexB(testSPS, testPPS, testIDR), data)

	data, err = os.ReadFile(mp4)
	require.NoError(t, err)
	require.Greater(t, len(data), 8)
	assert.Equal(t, "ftyp", string(data[4:8]))
}
