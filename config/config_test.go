package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zkchannels/zkchannel/config"
	"github.com/zkchannels/zkchannel/session"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadCustomerDefaults(t *testing.T) {
	c, err := config.LoadCustomer("")
	require.NoError(t, err)
	assert.Equal(t, "localhost:2611", c.MerchantAddress)
	assert.Equal(t, config.DefaultPollInterval, c.PollInterval.Std())
	assert.Equal(t, config.DefaultMaxMessage, c.MaxMessageLength)
	assert.Equal(t, "zkchannel-customer-data", c.DataDir)
	assert.Empty(t, c.TrustCertificate)
}

func TestLoadCustomerFile(t *testing.T) {
	path := writeConfig(t, `
merchant_address: pay.example.com:443
funding_address: tz1customer
trust_certificate: /etc/zkchannel/merchant.pem
poll_interval: 30s
backoff:
  initial: 250ms
  max_retries: 7
`)
	c, err := config.LoadCustomer(path)
	require.NoError(t, err)
	assert.Equal(t, "pay.example.com:443", c.MerchantAddress)
	assert.Equal(t, "tz1customer", c.FundingAddress)
	assert.Equal(t, "/etc/zkchannel/merchant.pem", c.TrustCertificate)
	assert.Equal(t, 30*time.Second, c.PollInterval.Std())
	// Fields the file does not set keep their defaults.
	assert.Equal(t, config.DefaultMaxMessage, c.MaxMessageLength)

	b := c.Backoff.Session()
	assert.Equal(t, 250*time.Millisecond, b.Initial)
	assert.Equal(t, 7, b.MaxRetries)
	assert.Equal(t, session.DefaultBackoff().Max, b.Max)
	assert.Equal(t, session.DefaultBackoff().Factor, b.Factor)
}

func TestLoadMerchantFile(t *testing.T) {
	path := writeConfig(t, `
listen: 0.0.0.0:2611
cert_file: /etc/zkchannel/tls.crt
key_file: /etc/zkchannel/tls.key
escrow_address: KT1escrow
dispute_window: 72h
session_timeout: 2m
`)
	m, err := config.LoadMerchant(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:2611", m.Listen)
	assert.Equal(t, "KT1escrow", m.EscrowAddress)
	assert.Equal(t, 72*time.Hour, m.DisputeWindow.Std())
	assert.Equal(t, 2*time.Minute, m.SessionTimeout.Std())
	assert.Equal(t, config.DefaultPollInterval, m.PollInterval.Std())
}

func TestLoadBadDuration(t *testing.T) {
	path := writeConfig(t, "dispute_window: fortnight\n")
	_, err := config.LoadMerchant(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fortnight")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.LoadCustomer(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestBackoffSessionZeroValue(t *testing.T) {
	assert.Equal(t, session.DefaultBackoff(), config.Backoff{}.Session())
}

// The message length limit feeds the session configs without conversion;
// this pins the field types together.
func TestMessageLengthFeedsSessionConfigs(t *testing.T) {
	c := config.DefaultCustomer()
	clientCfg := session.ClientConfig{MaxMessageLength: c.MaxMessageLength}
	assert.Equal(t, config.DefaultMaxMessage, clientCfg.MaxMessageLength)

	m := config.DefaultMerchant()
	serverCfg := session.ServerConfig{MaxMessageLength: m.MaxMessageLength}
	assert.Equal(t, config.DefaultMaxMessage, serverCfg.MaxMessageLength)
}
