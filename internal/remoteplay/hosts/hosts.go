// Package hosts reads the consoles registered with Chiaki from its Qt
// settings file (Chiaki.conf).
package hosts

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/adrg/xdg"
	"github.com/pkg/errors"
)

// ErrNotFound is returned when no registered host matches.
var ErrNotFound = errors.New("host not found")

// ps5TargetMin is the first target value used by PS5 consoles.
const ps5TargetMin = 1000000

// Host is one registered console.
type Host struct {
	Name      string `json:"name" toml:"name"`
	MAC       string `json:"mac,omitempty" toml:"mac,omitempty"`
	RPKey     string `json:"rp_key,omitempty" toml:"rp_key,omitempty"`
	RegistKey string `json:"regist_key,omitempty" toml:"regist_key,omitempty"`
	Target    int    `json:"target,omitempty" toml:"target,omitempty"`
	PS5       bool   `json:"ps5" toml:"ps5"`

	APSSID  string `json:"ap_ssid,omitempty" toml:"ap_ssid,omitempty"`
	APKey   string `json:"ap_key,omitempty" toml:"ap_key,omitempty"`
	APBSSID string `json:"ap_bssid,omitempty" toml:"ap_bssid,omitempty"`
	APName  string `json:"ap_name,omitempty" toml:"ap_name,omitempty"`

	// Address and ID come from the manual host entry at the same index.
	Address string `json:"address,omitempty" toml:"address,omitempty"`
	ID      int    `json:"id,omitempty" toml:"id,omitempty"`
}

// DefaultConfigPath is where Chiaki keeps its settings.
func DefaultConfigPath() string {
	return filepath.Join(xdg.ConfigHome, "Chiaki", "Chiaki.conf")
}

// Load parses the Chiaki settings file at path.
func Load(path string) ([]Host, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open chiaki config")
	}
	defer f.Close()

	hosts, err := Parse(f)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	return hosts, nil
}

// Parse reads registered hosts from Qt INI content.
func Parse(r io.Reader) ([]Host, error) {
	sections, err := readINI(r)
	if err != nil {
		return nil, err
	}

	registered := sections["registered_hosts"]
	if registered == nil {
		return nil, nil
	}

	size := 0
	if s, ok := registered["size"]; ok {
		if size, err = strconv.Atoi(s); err != nil {
			return nil, errors.Wrap(err, "registered_hosts size")
		}
	}

	var hosts []Host
	for i := 1; i <= size; i++ {
		h, ok, err := parseRegistered(registered, i)
		if err != nil {
			return nil, errors.Wrapf(err, "registered host %d", i)
		}
		if ok {
			hosts = append(hosts, h)
		}
	}

	if manual := sections["manual_hosts"]; manual != nil {
		for i := range hosts {
			prefix := fmt.Sprintf("%d\\", i+1)
			if addr, ok := manual[prefix+"host"]; ok {
				hosts[i].Address = addr
			}
			if id, ok := manual[prefix+"id"]; ok {
				if hosts[i].ID, err = strconv.Atoi(id); err != nil {
					return nil, errors.Wrapf(err, "manual host %d id", i+1)
				}
			}
		}
	}
	return hosts, nil
}

func parseRegistered(section map[string]string, i int) (Host, bool, error) {
	prefix := fmt.Sprintf("%d\\", i)
	get := func(key string) (string, bool) {
		v, ok := section[prefix+key]
		return v, ok
	}

	var h Host
	found := false

	if v, ok := get("server_nickname"); ok {
		h.Name, found = v, true
	}
	if v, ok := get("server_mac"); ok {
		h.MAC, found = formatMAC(ParseByteArray(v)), true
	}
	if v, ok := get("rp_key"); ok {
		h.RPKey, found = hex.EncodeToString(ParseByteArray(v)), true
	}
	if v, ok := get("rp_regist_key"); ok {
		h.RegistKey, found = asciiKey(ParseByteArray(v)), true
	}
	if v, ok := get("target"); ok {
		target, err := strconv.Atoi(v)
		if err != nil {
			return Host{}, false, errors.Wrap(err, "target")
		}
		h.Target, h.PS5, found = target, target >= ps5TargetMin, true
	}
	if v, ok := get("ap_ssid"); ok {
		h.APSSID, found = v, true
	}
	if v, ok := get("ap_key"); ok {
		h.APKey, found = v, true
	}
	if v, ok := get("ap_bssid"); ok {
		h.APBSSID, found = v, true
	}
	if v, ok := get("ap_name"); ok {
		h.APName, found = v, true
	}
	return h, found, nil
}

func formatMAC(b []byte) string {
	parts := make([]string, len(b))
	for i, c := range b {
		parts[i] = fmt.Sprintf("%02X", c)
	}
	return strings.Join(parts, ":")
}

// asciiKey drops NUL padding and anything outside 7-bit ASCII.
func asciiKey(b []byte) string {
	var sb strings.Builder
	for _, c := range b {
		if c == 0 {
			continue
		}
		if c < 0x80 {
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

// readINI returns section -> key -> raw value. Keys keep their Qt group
// prefix ("1\server_nickname"); surrounding quotes are stripped from plain
// values but left on @ByteArray values for ParseByteArray.
func readINI(r io.Reader) (map[string]map[string]string, error) {
	current := make(map[string]string)
	sections := map[string]map[string]string{"": current}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == ';' || line[0] == '#' {
			continue
		}
		if line[0] == '[' && line[len(line)-1] == ']' {
			name := line[1 : len(line)-1]
			if sections[name] == nil {
				sections[name] = make(map[string]string)
			}
			current = sections[name]
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if len(value) >= 2 && value[0] == '"' && value[len(value)-1] == '"' &&
			!strings.HasPrefix(value, `"`+byteArrayPrefix) {
			value = value[1 : len(value)-1]
		}
		current[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read ini")
	}
	return sections, nil
}

// ByName returns the host whose nickname equals name.
func ByName(hosts []Host, name string) (Host, error) {
	for _, h := range hosts {
		if h.Name == name {
			return h, nil
		}
	}
	return Host{}, errors.Wrapf(ErrNotFound, "name %q", name)
}

// ByMAC matches a MAC address ignoring case and colon separators.
func ByMAC(hosts []Host, mac string) (Host, error) {
	want := normalizeMAC(mac)
	for _, h := range hosts {
		if h.MAC != "" && normalizeMAC(h.MAC) == want {
			return h, nil
		}
	}
	return Host{}, errors.Wrapf(ErrNotFound, "mac %q", mac)
}

// Find tries ByName, then ByMAC.
func Find(hosts []Host, key string) (Host, error) {
	if h, err := ByName(hosts, key); err == nil {
		return h, nil
	}
	if h, err := ByMAC(hosts, key); err == nil {
		return h, nil
	}
	return Host{}, errors.Wrapf(ErrNotFound, "%q", key)
}

func normalizeMAC(mac string) string {
	return strings.ToUpper(strings.NewReplacer(":", "", "-", "").Replace(mac))
}
