package ovpn

import (
	"fmt"
	"runtime"
	"sort"
	"strconv"
	"strings"
)

// OptionsConfig carries the local settings folded into the options
// string and peer-info block exchanged during negotiation. It is the
// negotiation-facing subset of EngineConfig.
type OptionsConfig struct {
	ProtoVersion     int // options string version, e.g. 4 for "V4"
	Cipher           string
	Auth             string
	KeyDirection     int
	TunMTU           int
	SupportedCiphers []string // joined into IV_CIPHERS; falls back to Cipher alone
	RequestPush      bool     // sets the IV_PROTO request-push bit
	IvProto          uint32   // extra IV_PROTO bits ORed in on top of the computed ones
	PeerInfo         map[string]string
}

// ivProtoBits computes the IV_PROTO value this engine advertises: the
// bits implied by capabilities it actually has (DATA_V2 framing, the
// RFC 5705 key exporter, explicit-exit-notify support), any bit
// implied by cfg, plus whatever extra bits the caller set directly in
// cfg.IvProto.
func ivProtoBits(cfg OptionsConfig) uint32 {
	bits := uint32(ivProtoDataV2 | ivProtoTLSKeyExport | ivProtoCCExitNotify)
	if cfg.RequestPush {
		bits |= ivProtoRequestPush
	}
	return bits | cfg.IvProto
}

// BuildOptionsString renders the local options string sent as the
// first line of the AUTH-phase payload and compared against the
// peer's. It carries only the fields below; cfg.PeerInfo extras go
// into the peer-info block, not into this string.
func BuildOptionsString(cfg OptionsConfig) string {
	var b strings.Builder
	fmt.Fprintf(&b, "V%d", cfg.ProtoVersion)
	if cfg.TunMTU > 0 {
		fmt.Fprintf(&b, ",tun-mtu %d", cfg.TunMTU)
	}
	if cfg.Cipher != "" {
		fmt.Fprintf(&b, ",cipher %s", cfg.Cipher)
	}
	if cfg.Auth != "" {
		fmt.Fprintf(&b, ",auth %s", cfg.Auth)
	}
	if cfg.KeyDirection != 0 {
		fmt.Fprintf(&b, ",keydir %d", cfg.KeyDirection)
	}
	return b.String()
}

// OptionsMismatch compares the local and peer options strings and
// reports whether they agree closely enough to proceed: the reference
// implementation warns rather than fails on most differences, but
// cipher/auth must agree exactly.
func OptionsMismatch(local, remote string) (mismatched bool, reason string) {
	lf := splitOptionsFields(local)
	rf := splitOptionsFields(remote)
	for _, key := range []string{"cipher", "auth"} {
		lv, lok := lf[key]
		rv, rok := rf[key]
		if lok != rok || (lok && lv != rv) {
			return true, fmt.Sprintf("%s mismatch: local=%q remote=%q", key, lv, rv)
		}
	}
	return false, ""
}

func splitOptionsFields(s string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(s, ",") {
		fields := strings.Fields(part)
		if len(fields) == 0 {
			continue
		}
		if len(fields) == 1 {
			out[fields[0]] = ""
			continue
		}
		out[fields[0]] = strings.Join(fields[1:], " ")
	}
	return out
}

// BuildPeerInfo renders the IV_* and other key=value lines sent as
// the cleartext AUTH-phase peer-info block. Field order is fixed
// (mandatory IV_* keys first, in a constant order, then any
// cfg.PeerInfo extras sorted by key) so the rendered block, and
// anything derived from it such as an AUTH payload hash, is
// deterministic across runs.
func BuildPeerInfo(cfg OptionsConfig) string {
	var b strings.Builder
	fmt.Fprintf(&b, "IV_VER=%s\n", ivVer)
	fmt.Fprintf(&b, "IV_PLAT=%s\n", runtime.GOOS)
	fmt.Fprintf(&b, "IV_PROTO=%d\n", ivProtoBits(cfg))
	fmt.Fprintf(&b, "IV_NCP=2\n")
	fmt.Fprintf(&b, "IV_TCPNL=1\n")
	if cfg.TunMTU > 0 {
		fmt.Fprintf(&b, "IV_MTU=%d\n", cfg.TunMTU)
	}
	if ciphers := ivCiphers(cfg); ciphers != "" {
		fmt.Fprintf(&b, "IV_CIPHERS=%s\n", ciphers)
	}

	if len(cfg.PeerInfo) > 0 {
		keys := make([]string, 0, len(cfg.PeerInfo))
		for k := range cfg.PeerInfo {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "%s=%s\n", k, cfg.PeerInfo[k])
		}
	}
	return b.String()
}

func ivCiphers(cfg OptionsConfig) string {
	if len(cfg.SupportedCiphers) > 0 {
		return strings.Join(cfg.SupportedCiphers, ":")
	}
	return cfg.Cipher
}

// ParsePeerInfo parses a received peer-info block into key=value
// pairs, one per line. Malformed lines are skipped rather than
// failing the whole parse, matching the reference implementation's
// tolerance of peers that send unknown or malformed IV_ fields.
func ParsePeerInfo(s string) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		out[k] = v
	}
	return out
}

// PushedOptions is the subset of a push-reply/push-update message this
// engine understands. Unrecognized directives are preserved verbatim
// in Unknown for a host to interpret (route installation, DNS
// configuration, and similar are host/tun-device concerns outside
// this engine's scope).
type PushedOptions struct {
	TunMTU             int
	PingSeconds        int
	PingRestart        int
	MssFix             int
	CompStub           bool
	Cipher             string
	Auth               string
	KeyDerivation      string
	ProtocolFlags      []string
	PeerID             int
	RenegSec           int
	TranWindow         int
	HandWindow         int
	BecomePrimary      int
	TLSTimeout         int
	ExplicitExitNotify int
	Unknown            []string
}

// ParsePushReply parses a push-reply style message: a comma-separated
// list of directives, each itself space-separated, matching the
// reference implementation's options-string grammar. Any malformed
// recognized directive fails the whole parse with an ErrPushOptions
// ProtoError; unrecognized directives are preserved verbatim rather
// than rejected, since a peer may legitimately push directives this
// engine has no opinion on (route/dhcp-option and similar).
func ParsePushReply(s string) (*PushedOptions, error) {
	po := &PushedOptions{}
	for _, directive := range strings.Split(s, ",") {
		directive = strings.TrimSpace(directive)
		if directive == "" {
			continue
		}
		fields := strings.Fields(directive)
		switch fields[0] {
		case "tun-mtu":
			v, err := parseIntField(fields, "tun-mtu")
			if err != nil {
				return nil, pushOptionsErr(err)
			}
			po.TunMTU = v
		case "ping":
			v, err := parseIntField(fields, "ping")
			if err != nil {
				return nil, pushOptionsErr(err)
			}
			po.PingSeconds = v
		case "ping-restart":
			v, err := parseIntField(fields, "ping-restart")
			if err != nil {
				return nil, pushOptionsErr(err)
			}
			po.PingRestart = v
		case "keepalive":
			if len(fields) < 3 {
				return nil, pushOptionsErr(fmt.Errorf("keepalive: need ping and ping-restart values"))
			}
			ping, err := strconv.Atoi(fields[1])
			if err != nil {
				return nil, pushOptionsErr(fmt.Errorf("keepalive: %v", err))
			}
			restart, err := strconv.Atoi(fields[2])
			if err != nil {
				return nil, pushOptionsErr(fmt.Errorf("keepalive: %v", err))
			}
			po.PingSeconds = ping
			po.PingRestart = restart
		case "mssfix":
			v, err := parseIntField(fields, "mssfix")
			if err != nil {
				return nil, pushOptionsErr(err)
			}
			po.MssFix = v
		case "comp-stub", "comp-stub-v2", "compress", "comp-lzo":
			po.CompStub = true
		case "cipher":
			if len(fields) < 2 {
				return nil, pushOptionsErr(fmt.Errorf("cipher: missing value"))
			}
			po.Cipher = fields[1]
		case "auth":
			if len(fields) < 2 {
				return nil, pushOptionsErr(fmt.Errorf("auth: missing value"))
			}
			po.Auth = fields[1]
		case "key-derivation":
			if len(fields) < 2 {
				return nil, pushOptionsErr(fmt.Errorf("key-derivation: missing value"))
			}
			po.KeyDerivation = fields[1]
		case "protocol-flags":
			po.ProtocolFlags = append([]string(nil), fields[1:]...)
		case "peer-id":
			v, err := parseIntField(fields, "peer-id")
			if err != nil {
				return nil, pushOptionsErr(err)
			}
			po.PeerID = v
		case "reneg-sec":
			v, err := parseIntField(fields, "reneg-sec")
			if err != nil {
				return nil, pushOptionsErr(err)
			}
			po.RenegSec = v
		case "tran-window":
			v, err := parseIntField(fields, "tran-window")
			if err != nil {
				return nil, pushOptionsErr(err)
			}
			po.TranWindow = v
		case "hand-window":
			v, err := parseIntField(fields, "hand-window")
			if err != nil {
				return nil, pushOptionsErr(err)
			}
			po.HandWindow = v
		case "become-primary":
			v, err := parseIntField(fields, "become-primary")
			if err != nil {
				return nil, pushOptionsErr(err)
			}
			po.BecomePrimary = v
		case "tls-timeout":
			v, err := parseIntField(fields, "tls-timeout")
			if err != nil {
				return nil, pushOptionsErr(err)
			}
			po.TLSTimeout = v
		case "explicit-exit-notify":
			v := 0
			if len(fields) > 1 {
				var err error
				if v, err = strconv.Atoi(fields[1]); err != nil {
					return nil, pushOptionsErr(fmt.Errorf("explicit-exit-notify: %v", err))
				}
			}
			po.ExplicitExitNotify = v
		default:
			po.Unknown = append(po.Unknown, directive)
		}
	}
	return po, nil
}

func parseIntField(fields []string, name string) (int, error) {
	if len(fields) < 2 {
		return 0, fmt.Errorf("%s: missing value", name)
	}
	v, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, fmt.Errorf("%s: %v", name, err)
	}
	return v, nil
}

func pushOptionsErr(err error) error {
	return &ProtoError{Kind: ErrPushOptions, Err: err}
}
