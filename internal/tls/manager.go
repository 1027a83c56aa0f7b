package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/subsubl/gate-control/internal/config"
)

var ErrNoCertificate = errors.New("no TLS certificate available")

// TLSManager serves the keypad/admin listener certificate. Configured cert and key
// files win; outside production a self-signed pair is generated into CertDir.
type TLSManager struct {
	certFile   string
	keyFile    string
	selfSigned bool
	hosts      []string
	generator  *DevCertGenerator
	logger     *zap.Logger

	mu   sync.Mutex
	cert *tls.Certificate
}

func NewTLSManager(cfg *config.Config, logger *zap.Logger) *TLSManager {
	hosts := []string{"localhost", "127.0.0.1", "::1"}
	if cfg.Server.Host != "" && cfg.Server.Host != "0.0.0.0" {
		hosts = append([]string{cfg.Server.Host}, hosts...)
	}
	return &TLSManager{
		certFile:   cfg.Server.CertFile,
		keyFile:    cfg.Server.KeyFile,
		selfSigned: !cfg.IsProduction(),
		hosts:      hosts,
		generator:  NewDevCertGenerator(cfg.Server.CertDir, logger),
		logger:     logger,
	}
}

// Certificate loads or generates the certificate once and caches it.
func (m *TLSManager) Certificate() (*tls.Certificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cert != nil {
		return m.cert, nil
	}

	if m.certFile != "" && m.keyFile != "" {
		cert, err := tls.LoadX509KeyPair(m.certFile, m.keyFile)
		if err == nil {
			m.cert = &cert
			m.logger.Info("Loaded TLS certificate", zap.String("cert_file", m.certFile))
			return m.cert, nil
		}
		if !m.selfSigned {
			return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
		m.logger.Warn("Configured TLS key pair unusable, falling back to self-signed", zap.Error(err))
	}

	if !m.selfSigned {
		return nil, ErrNoCertificate
	}

	cert, err := m.generator.GenerateCert(m.hosts)
	if err != nil {
		return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
	}
	m.cert = &cert
	return m.cert, nil
}

func (m *TLSManager) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return m.Certificate()
}

func (m *TLSManager) GetTLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: m.GetCertificate,
		NextProtos:     []string{"h2", "http/1.1"},
		MinVersion:     tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
	}
}
