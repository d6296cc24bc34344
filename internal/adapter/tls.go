package adapter

import (
	"crypto/tls"

	"github.com/switchboard-gw/switchboard/internal/util"
)

// ServerConfig loads the certificate pair and returns the server TLS
// configuration shared by every TLS-capable adapter. TLS 1.2 is the
// floor.
func (t *TLSConfig) ServerConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
	if err != nil {
		return nil, util.WrapError(err, "load certificate pair")
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		NextProtos:   []string{"h2", "http/1.1"},
	}, nil
}
