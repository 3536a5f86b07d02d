/*
Package config implements a parser for go-ovpn engine configuration
represented in the TOML format: https://github.com/toml-lang/toml.

Please refer to the TOML repo for an in-depth description of the
syntax.

Tunnel instances are called out in the configuration file using named
TOML tables. Each tunnel instance table contains configuration
parameters for that instance as key:value pairs.

	# This is a tunnel instance named "t1"
	[tunnel.t1]

	# mode specifies whether this engine instance is the connection
	# initiator or the responder.
	# Currently supported values are "client" and "server".
	mode = "client"

	# ctrl_wrap specifies the control channel wrapping scheme.
	# Currently supported values are "none", "tls-auth", "tls-crypt"
	# and "tls-crypt-v2".
	ctrl_wrap = "tls-crypt"

	# cipher specifies the data channel cipher algorithm.
	cipher = "AES-256-GCM"

	# auth specifies the data channel HMAC algorithm, consulted only
	# for CBC-family ciphers.
	auth = "SHA256"

	# tun_mtu specifies the tunnel MTU advertised in the options string.
	tun_mtu = 1500

	# handshake_window_ms bounds how long a KeyContext may spend
	# negotiating before it is abandoned.
	# The default is 60000 (60 seconds).
	handshake_window_ms = 60000

	# renegotiate_ms sets the wall-clock interval between data channel
	# key renegotiations.
	# The default is 3600000 (1 hour).
	renegotiate_ms = 3600000

	# keepalive_interval_ms and keepalive_timeout_ms configure the
	# data channel ping/ping-restart keepalive.
	keepalive_interval_ms = 10000
	keepalive_timeout_ms = 60000
*/
package config

import (
	"fmt"
	"time"

	"github.com/katalix/go-ovpn/ovpn"
	"github.com/pelletier/go-toml"
)

// Config contains go-ovpn configuration for one or more tunnel
// instances.
type Config struct {
	// The entire tree as a map as parsed from the TOML representation.
	// Apps may access this tree to handle their own config tables.
	Map map[string]interface{}
	// All the tunnels defined in the configuration.
	Tunnels []NamedTunnel
}

// NamedTunnel contains configuration for one tunnel instance.
type NamedTunnel struct {
	// The tunnel's name as specified in the config file.
	Name string
	// The tunnel's engine configuration.
	Engine ovpn.EngineConfig
}

func toBool(v interface{}) (bool, error) {
	if b, ok := v.(bool); ok {
		return b, nil
	}
	return false, fmt.Errorf("supplied value could not be parsed as a bool")
}

// go-toml's ToMap function represents numbers as either uint64 or int64.
// So when we are converting numbers, we need to figure out which one it
// has picked and range check to ensure that the number from the config
// fits within the range of the destination type.
func toUint16(v interface{}) (uint16, error) {
	if b, ok := v.(int64); ok {
		if b < 0x0 || b > 0xffff {
			return 0, fmt.Errorf("value %x out of range", b)
		}
		return uint16(b), nil
	} else if b, ok := v.(uint64); ok {
		if b > 0xffff {
			return 0, fmt.Errorf("value %x out of range", b)
		}
		return uint16(b), nil
	}
	return 0, fmt.Errorf("unexpected %T value %v", v, v)
}

func toUint32(v interface{}) (uint32, error) {
	if b, ok := v.(int64); ok {
		if b < 0x0 || b > 0xffffffff {
			return 0, fmt.Errorf("value %x out of range", b)
		}
		return uint32(b), nil
	} else if b, ok := v.(uint64); ok {
		if b > 0xffffffff {
			return 0, fmt.Errorf("value %x out of range", b)
		}
		return uint32(b), nil
	}
	return 0, fmt.Errorf("unexpected %T value %v", v, v)
}

func toString(v interface{}) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	return "", fmt.Errorf("supplied value could not be parsed as a string")
}

func toDurationMs(v interface{}) (time.Duration, error) {
	u, err := toUint32(v)
	return time.Duration(u) * time.Millisecond, err
}

func toMode(v interface{}) (ovpn.Mode, error) {
	s, err := toString(v)
	if err == nil {
		switch s {
		case "client":
			return ovpn.ModeClient, nil
		case "server":
			return ovpn.ModeServer, nil
		}
		return 0, fmt.Errorf("expect 'client' or 'server'")
	}
	return 0, err
}

func toCtrlWrapMode(v interface{}) (ovpn.CtrlWrapMode, error) {
	s, err := toString(v)
	if err == nil {
		switch s {
		case "none":
			return ovpn.CtrlWrapPlain, nil
		case "tls-auth":
			return ovpn.CtrlWrapTLSAuth, nil
		case "tls-crypt":
			return ovpn.CtrlWrapTLSCrypt, nil
		case "tls-crypt-v2":
			return ovpn.CtrlWrapTLSCryptV2, nil
		}
		return 0, fmt.Errorf("expect 'none', 'tls-auth', 'tls-crypt' or 'tls-crypt-v2'")
	}
	return 0, err
}

func toDataCipherFamily(v interface{}) (ovpn.DataCipherFamily, error) {
	s, err := toString(v)
	if err == nil {
		switch s {
		case "aead":
			return ovpn.DataCipherAEAD, nil
		case "cbc-hmac":
			return ovpn.DataCipherCBCHMAC, nil
		}
		return 0, fmt.Errorf("expect 'aead' or 'cbc-hmac'")
	}
	return 0, err
}

func newTunnelConfig(name string, tcfg map[string]interface{}) (*NamedTunnel, error) {
	nt := &NamedTunnel{
		Name: name,
		Engine: ovpn.EngineConfig{
			Data: ovpn.DataCryptConfig{
				Family:       ovpn.DataCipherAEAD,
				ReplayWindow: 64,
			},
		},
	}
	for k, v := range tcfg {
		var err error
		switch k {
		case "mode":
			nt.Engine.Mode, err = toMode(v)
		case "ctrl_wrap":
			nt.Engine.CtrlWrapMode, err = toCtrlWrapMode(v)
		case "ctrl_hmac":
			nt.Engine.CtrlHMACAlg, err = toString(v)
		case "ctrl_cipher":
			nt.Engine.CtrlCipherAlg, err = toString(v)
		case "cipher":
			nt.Engine.Data.CipherAlg, err = toString(v)
		case "cipher_family":
			nt.Engine.Data.Family, err = toDataCipherFamily(v)
		case "auth":
			nt.Engine.Data.HMACAlg, err = toString(v)
		case "data_wide_packet_id":
			nt.Engine.Data.Wide, err = toBool(v)
		case "data_byte_limit":
			var u uint32
			u, err = toUint32(v)
			nt.Engine.Data.ByteLimit = uint64(u)
		case "comp_stub":
			nt.Engine.Data.CompStub, err = toBool(v)
		case "replay_window":
			var u uint32
			u, err = toUint32(v)
			nt.Engine.Data.ReplayWindow = u
		case "tun_mtu":
			var u uint16
			u, err = toUint16(v)
			nt.Engine.Options.TunMTU = int(u)
		case "handshake_window_ms":
			nt.Engine.HandshakeWindow, err = toDurationMs(v)
		case "become_primary_ms":
			nt.Engine.BecomePrimary, err = toDurationMs(v)
		case "renegotiate_ms":
			nt.Engine.Renegotiate, err = toDurationMs(v)
		case "keepalive_interval_ms":
			nt.Engine.KeepaliveInterval, err = toDurationMs(v)
		case "keepalive_timeout_ms":
			nt.Engine.KeepaliveTimeout, err = toDurationMs(v)
		default:
			return nil, fmt.Errorf("unrecognised parameter '%v'", k)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to process %v: %v", k, err)
		}
	}
	return nt, nil
}

func (cfg *Config) loadTunnels() error {
	var tunnels map[string]interface{}

	// Extract the tunnel map from the configuration tree
	if got, ok := cfg.Map["tunnel"]; ok {
		tunnels, ok = got.(map[string]interface{})
		if !ok {
			return fmt.Errorf("tunnel instances must be named, e.g. '[tunnel.mytunnel]'")
		}
	} else {
		return fmt.Errorf("no tunnel table present")
	}

	// Iterate through the map and build tunnel config instances
	for name, got := range tunnels {
		tmap, ok := got.(map[string]interface{})
		if !ok {
			return fmt.Errorf("tunnel instances must be named, e.g. '[tunnel.mytunnel]'")
		}
		tcfg, err := newTunnelConfig(name, tmap)
		if err != nil {
			return fmt.Errorf("tunnel %v: %v", name, err)
		}
		cfg.Tunnels = append(cfg.Tunnels, *tcfg)
	}
	return nil
}

func newConfig(tree *toml.Tree) (*Config, error) {
	cfg := &Config{Map: tree.ToMap()}
	if err := cfg.loadTunnels(); err != nil {
		return nil, fmt.Errorf("failed to parse tunnels: %v", err)
	}
	return cfg, nil
}

// LoadFile loads configuration from the specified file.
func LoadFile(path string) (*Config, error) {
	tree, err := toml.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file: %v", err)
	}
	return newConfig(tree)
}

// LoadString loads configuration from the specified string.
func LoadString(content string) (*Config, error) {
	tree, err := toml.Load(content)
	if err != nil {
		return nil, fmt.Errorf("failed to load config string: %v", err)
	}
	return newConfig(tree)
}
