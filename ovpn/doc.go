/*
Package ovpn implements the OpenVPN control and data channel protocol
engine: packet framing, the reliability layer used by the control
channel, the control/data key-state machine (primary/secondary
rotation), tls-auth/tls-crypt/tls-crypt-v2 control channel wrapping,
data-channel AEAD/CBC+HMAC encryption with replay protection, keepalive
and renegotiation timing, and peer/push option negotiation.

The package deliberately does not implement TLS, X.509/PEM handling,
concrete ciphers, HMACs or RNGs, OS transport sockets, tun devices, or
configuration file parsing beyond the protocol-relevant option set.
Those concerns are consumed through the SslSession and CryptoProvider
interfaces (crypto.go) and the ControlNetSend/DataNetSend callbacks a
host installs on a ProtoEngine.

Usage

	eng, err := ovpn.NewEngine(ovpn.EngineConfig{
		Mode:           ovpn.ModeClient,
		CryptoProvider: myCryptoProvider,
		TLSFactory:     myTLSFactory,
		Logger:         logger,
	})
	eng.SetControlNetSend(func(b []byte) error { return conn.Write(b) })
	eng.SetDataNetSend(func(b []byte) error { return conn.Write(b) })
	eng.Reset(time.Now())
	eng.Start(time.Now())

	for {
		now := time.Now()
		eng.Housekeeping(now)
		buf := readFromSocket()
		eng.ControlNetRecv(buf, now)
		time.Sleep(eng.NextHousekeeping(now))
	}

# Concurrency

The engine is single-threaded cooperative: every exported method reads
and writes engine state without internal locking, and callers must
serialise calls themselves. There are no goroutines inside the engine
and no suspension points; all I/O is performed through callbacks the
host installs.
*/
package ovpn
