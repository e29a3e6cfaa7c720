package transport

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fleetward/deviceops/internal/model"
)

func selfSignedPEM(t *testing.T) (certPEM, keyPEM []byte) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "deviceops test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM
}

func TestTLSConfig(t *testing.T) {
	t.Parallel()

	t.Run("plain_tcp", func(t *testing.T) {
		t.Parallel()
		tc, err := tlsConfig(model.Connection{Broker: "tcp://localhost:1883"})
		require.NoError(t, err)
		require.Nil(t, tc)
	})

	t.Run("ca_only", func(t *testing.T) {
		t.Parallel()
		certPEM, _ := selfSignedPEM(t)
		caPath := filepath.Join(t.TempDir(), "ca.pem")
		require.NoError(t, os.WriteFile(caPath, certPEM, 0o600))

		tc, err := tlsConfig(model.Connection{CAFile: caPath})
		require.NoError(t, err)
		require.NotNil(t, tc)
		require.NotNil(t, tc.RootCAs)
		require.Empty(t, tc.Certificates)
	})

	t.Run("mutual_tls", func(t *testing.T) {
		t.Parallel()
		certPEM, keyPEM := selfSignedPEM(t)
		dir := t.TempDir()
		caPath := filepath.Join(dir, "ca.pem")
		certPath := filepath.Join(dir, "client.pem")
		keyPath := filepath.Join(dir, "client.key")
		require.NoError(t, os.WriteFile(caPath, certPEM, 0o600))
		require.NoError(t, os.WriteFile(certPath, certPEM, 0o600))
		require.NoError(t, os.WriteFile(keyPath, keyPEM, 0o600))

		tc, err := tlsConfig(model.Connection{CAFile: caPath, CertFile: certPath, KeyFile: keyPath})
		require.NoError(t, err)
		require.Len(t, tc.Certificates, 1)
	})

	t.Run("missing_ca_file", func(t *testing.T) {
		t.Parallel()
		_, err := tlsConfig(model.Connection{CAFile: "/nonexistent/ca.pem"})
		require.ErrorContains(t, err, "reading CA bundle")
	})

	t.Run("garbage_ca_file", func(t *testing.T) {
		t.Parallel()
		caPath := filepath.Join(t.TempDir(), "ca.pem")
		require.NoError(t, os.WriteFile(caPath, []byte("not a pem"), 0o600))

		_, err := tlsConfig(model.Connection{CAFile: caPath})
		require.ErrorContains(t, err, "no certificates found")
	})

	t.Run("broken_key_pair", func(t *testing.T) {
		t.Parallel()
		_, err := tlsConfig(model.Connection{CertFile: "/nonexistent/client.pem", KeyFile: "/nonexistent/client.key"})
		require.ErrorContains(t, err, "loading client key pair")
	})
}

func testClient() *Client {
	return &Client{
		thing:      "dev-1",
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		jobs:       make(chan model.JobEvent, 2),
		reconnects: make(chan struct{}, 1),
	}
}

func TestClient_ChannelDelivery(t *testing.T) {
	t.Parallel()

	t.Run("event_reaches_channel", func(t *testing.T) {
		t.Parallel()
		c := testClient()
		c.publishEvent(model.JobEvent{Job: &model.Job{ID: "job-1"}}, "t")
		require.Len(t, c.jobs, 1)
	})

	t.Run("full_channel_drops", func(t *testing.T) {
		t.Parallel()
		c := testClient()
		for i := 0; i < 5; i++ {
			c.publishEvent(model.JobEvent{Job: &model.Job{ID: "job"}}, "t")
		}
		require.Len(t, c.jobs, 2, "overflow must be dropped, not block the router")

		for i := 0; i < 5; i++ {
			c.signalReconnect()
		}
		require.Len(t, c.reconnects, 1)
	})

	t.Run("no_send_after_close", func(t *testing.T) {
		t.Parallel()
		c := testClient()

		// the closed flag flips before the channels close, so a late
		// paho handler must return instead of sending
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.jobs)
		close(c.reconnects)

		require.NotPanics(t, func() {
			c.publishEvent(model.JobEvent{Job: &model.Job{ID: "late"}}, "t")
			c.signalReconnect()
		})
	})
}
