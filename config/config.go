// Package config loads the YAML configuration of the customer and
// merchant binaries and applies defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zkchannels/zkchannel/session"
)

// Defaults shared by both parties.
const (
	DefaultDisputeWindow  = 48 * time.Hour
	DefaultPollInterval   = 10 * time.Second
	DefaultSessionTimeout = time.Minute
	DefaultMaxMessage     = uint32(1 << 20)
)

// Duration wraps time.Duration with YAML support for strings like "48h".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Backoff configures reconnect and resubmission retries.
type Backoff struct {
	Initial    Duration `yaml:"initial"`
	Max        Duration `yaml:"max"`
	Factor     float64  `yaml:"factor"`
	MaxRetries int      `yaml:"max_retries"`
}

// Session converts to the session package's form, falling back to its
// defaults for unset fields.
func (b Backoff) Session() session.Backoff {
	out := session.DefaultBackoff()
	if b.Initial != 0 {
		out.Initial = b.Initial.Std()
	}
	if b.Max != 0 {
		out.Max = b.Max.Std()
	}
	if b.Factor != 0 {
		out.Factor = b.Factor
	}
	if b.MaxRetries != 0 {
		out.MaxRetries = b.MaxRetries
	}
	return out
}

// Customer is the customer binary's configuration.
type Customer struct {
	// MerchantAddress is the host:port the merchant serves sessions on.
	MerchantAddress string `yaml:"merchant_address"`

	// FundingAddress is the customer's on-chain address.
	FundingAddress string `yaml:"funding_address"`

	// TrustCertificate is a PEM file holding the merchant certificate to
	// trust. Empty means a plaintext connection, for development only.
	TrustCertificate string `yaml:"trust_certificate"`

	// StatusListen is the optional local status API address.
	StatusListen string `yaml:"status_listen"`

	// DataDir holds the channel database and the development chain
	// snapshot, shared across invocations. Empty keeps all state in
	// memory for the life of the process.
	DataDir string `yaml:"data_dir"`

	PollInterval     Duration `yaml:"poll_interval"`
	MaxMessageLength uint32   `yaml:"max_message_length"`
	Backoff          Backoff  `yaml:"backoff"`
}

// Merchant is the merchant binary's configuration.
type Merchant struct {
	// Listen is the host:port to serve sessions on.
	Listen string `yaml:"listen"`

	// StatusListen is the optional status API address.
	StatusListen string `yaml:"status_listen"`

	// CertFile and KeyFile hold the server TLS key pair. Empty means a
	// plaintext listener, for development only.
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`

	// EscrowAddress is advertised to customers in parameter responses.
	EscrowAddress string `yaml:"escrow_address"`

	// DataDir holds the channel database, the signing key, and the
	// development chain snapshot. Empty keeps all state in memory for
	// the life of the process.
	DataDir string `yaml:"data_dir"`

	DisputeWindow    Duration `yaml:"dispute_window"`
	SessionTimeout   Duration `yaml:"session_timeout"`
	PollInterval     Duration `yaml:"poll_interval"`
	MaxMessageLength uint32   `yaml:"max_message_length"`
	Backoff          Backoff  `yaml:"backoff"`
}

// DefaultCustomer returns a Customer with defaults applied.
func DefaultCustomer() Customer {
	return Customer{
		MerchantAddress:  "localhost:2611",
		DataDir:          "zkchannel-customer-data",
		PollInterval:     Duration(DefaultPollInterval),
		MaxMessageLength: DefaultMaxMessage,
	}
}

// DefaultMerchant returns a Merchant with defaults applied.
func DefaultMerchant() Merchant {
	return Merchant{
		Listen:           "localhost:2611",
		DataDir:          "zkchannel-merchant-data",
		DisputeWindow:    Duration(DefaultDisputeWindow),
		SessionTimeout:   Duration(DefaultSessionTimeout),
		PollInterval:     Duration(DefaultPollInterval),
		MaxMessageLength: DefaultMaxMessage,
	}
}

// LoadCustomer reads a customer config file over the defaults. An empty
// path returns the defaults.
func LoadCustomer(path string) (Customer, error) {
	c := DefaultCustomer()
	if path == "" {
		return c, nil
	}
	if err := load(path, &c); err != nil {
		return Customer{}, err
	}
	return c, nil
}

// LoadMerchant reads a merchant config file over the defaults. An empty
// path returns the defaults.
func LoadMerchant(path string) (Merchant, error) {
	c := DefaultMerchant()
	if path == "" {
		return c, nil
	}
	if err := load(path, &c); err != nil {
		return Merchant{}, err
	}
	return c, nil
}

func load(path string, v interface{}) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(b, v); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}
