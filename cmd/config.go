package main

import "crypto/tls"
import "crypto/x509"
import "fmt"
import "oniri"
import "os"
import "path/filepath"
import "strconv"
import "strings"
import "time"

import "github.com/goccy/go-yaml"

type ServerTLSConfig struct {
	Enabled                  bool               `yaml:"enabled"`
	CertFile                 string             `yaml:"cert-file"`
	KeyFile                  string             `yaml:"key-file"`
	CertText                 string             `yaml:"cert-text"`
	KeyText                  string             `yaml:"key-text"`

	ClientAuthType           string             `yaml:"client-auth-type"`
	ClientCACertFile         string             `yaml:"client-ca-cert-file"`
	ClientCACertText         string             `yaml:"client-ca-cert-text"`
}

type ClientTLSConfig struct {
	Enabled            bool    `yaml:"enabled"`
	CertFile           string  `yaml:"cert-file"`
	KeyFile            string  `yaml:"key-file"`
	CertText           string  `yaml:"cert-text"`
	KeyText            string  `yaml:"key-text"`
	ServerCACertFile   string  `yaml:"server-ca-cert-file"`
	ServerCACertText   string  `yaml:"server-ca-cert-text"`
	InsecureSkipVerify bool    `yaml:"skip-verify"`
	ServerName         string  `yaml:"server-name"`
}

type LogConfig struct {
	File     string   `yaml:"file"`
	Mask     []string `yaml:"mask"`
	MaxSize  int64    `yaml:"max-size"`
	Rotate   int      `yaml:"rotate"`
}

type CtlConfig struct {
	Listen    []string        `yaml:"listen"`
	Prefix    string          `yaml:"prefix"`
	JwtSecret string          `yaml:"jwt-secret"`
	TLS       ServerTLSConfig `yaml:"tls"`
}

type RelayConfig struct {
	// used by the daemon to reach the relay
	Address      string          `yaml:"address"`
	PingIntvl    time.Duration   `yaml:"ping-interval"`
	TLS          ClientTLSConfig `yaml:"tls"`

	// used by the relay subcommand
	Listen       []string        `yaml:"listen"`
	MinPingIntvl time.Duration   `yaml:"min-ping-interval"`
	ServerTLS    ServerTLSConfig `yaml:"server-tls"`
}

type AppConfig struct {
	Role         string      `yaml:"role"`
	DataDir      string      `yaml:"data-dir"`
	ServicesFile string      `yaml:"services-file"`
	Watch        bool        `yaml:"watch"`
	PasswordEnv  string      `yaml:"password-env"`

	Log   LogConfig   `yaml:"log"`
	CTL   CtlConfig   `yaml:"ctl"`
	Relay RelayConfig `yaml:"relay"`
}

func LoadAppConfig(cfgfile string) (*AppConfig, error) {
	var cfg AppConfig
	var data []byte
	var err error

	if cfgfile != "" {
		data, err = os.ReadFile(cfgfile)
		if err != nil { return nil, err }

		err = yaml.Unmarshal(data, &cfg)
		if err != nil { return nil, fmt.Errorf("failed to parse %s - %s", cfgfile, err.Error()) }
	}

	cfg.SetDefaults()
	cfg.ApplyEnvOverrides()
	return &cfg, nil
}

func (c *AppConfig) SetDefaults() {
	var home string

	if c.Role == "" { c.Role = oniri.ROLE_CLIENT.String() }
	if c.DataDir == "" {
		home, _ = os.UserHomeDir()
		c.DataDir = home
	}
	if c.PasswordEnv == "" { c.PasswordEnv = "ONIRI_PASSWORD" }
	if len(c.Log.Mask) == 0 { c.Log.Mask = []string{"info", "warn", "error"} }
	if c.Relay.PingIntvl == 0 { c.Relay.PingIntvl = 30 * time.Second }
	if c.Relay.MinPingIntvl == 0 { c.Relay.MinPingIntvl = 10 * time.Second }
}

func split_list(val string) []string {
	var out []string
	var s string

	for _, s = range strings.Split(val, ",") {
		s = strings.TrimSpace(s)
		if s != "" { out = append(out, s) }
	}
	return out
}

// ApplyEnvOverrides lets ONIRI_* variables take precedence over the file.
func (c *AppConfig) ApplyEnvOverrides() {
	var val string

	if val = os.Getenv("ONIRI_ROLE"); val != "" { c.Role = val }
	if val = os.Getenv("ONIRI_DATA_DIR"); val != "" { c.DataDir = val }
	if val = os.Getenv("ONIRI_SERVICES_FILE"); val != "" { c.ServicesFile = val }
	if val = os.Getenv("ONIRI_WATCH"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil { c.Watch = b }
	}
	if val = os.Getenv("ONIRI_LOG_FILE"); val != "" { c.Log.File = val }
	if val = os.Getenv("ONIRI_LOG_MASK"); val != "" { c.Log.Mask = split_list(val) }
	if val = os.Getenv("ONIRI_CTL_LISTEN"); val != "" { c.CTL.Listen = split_list(val) }
	if val = os.Getenv("ONIRI_CTL_JWT_SECRET"); val != "" { c.CTL.JwtSecret = val }
	if val = os.Getenv("ONIRI_RELAY_ADDR"); val != "" { c.Relay.Address = val }
	if val = os.Getenv("ONIRI_RELAY_LISTEN"); val != "" { c.Relay.Listen = split_list(val) }
	if val = os.Getenv("ONIRI_RELAY_PING_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil { c.Relay.PingIntvl = d }
	}
}

func (c *AppConfig) ServicesPath(role oniri.Role) string {
	if c.ServicesFile != "" { return c.ServicesFile }
	return oniri.DefaultConfigPath(c.DataDir, role)
}

func (c *AppConfig) LogMask() (oniri.LogMask, error) {
	var mask oniri.LogMask
	var s string

	for _, s = range c.Log.Mask {
		switch strings.ToLower(s) {
			case "debug":
				mask |= oniri.LogMask(oniri.LOG_DEBUG)
			case "info":
				mask |= oniri.LogMask(oniri.LOG_INFO)
			case "warn", "warning":
				mask |= oniri.LogMask(oniri.LOG_WARN)
			case "error":
				mask |= oniri.LogMask(oniri.LOG_ERROR)
			case "all":
				mask |= oniri.LOG_ALL
			case "none":
			default:
				return 0, fmt.Errorf("invalid log mask item %s", s)
		}
	}
	return mask, nil
}

// ------------------------------------------------------------------------

func load_pem(file string, text string) ([]byte, error) {
	if text != "" { return []byte(text), nil }
	if file == "" { return nil, nil }
	return os.ReadFile(filepath.Clean(file))
}

func make_tls_server_config(cfg *ServerTLSConfig) (*tls.Config, error) {
	var tlscfg *tls.Config
	var cert tls.Certificate
	var cert_pem []byte
	var key_pem []byte
	var ca_pem []byte
	var pool *x509.CertPool
	var err error

	if !cfg.Enabled { return nil, nil }

	cert_pem, err = load_pem(cfg.CertFile, cfg.CertText)
	if err != nil { return nil, err }
	key_pem, err = load_pem(cfg.KeyFile, cfg.KeyText)
	if err != nil { return nil, err }
	cert, err = tls.X509KeyPair(cert_pem, key_pem)
	if err != nil { return nil, fmt.Errorf("failed to load key pair - %s", err.Error()) }

	tlscfg = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}

	switch strings.ToLower(cfg.ClientAuthType) {
		case "", "none":
			tlscfg.ClientAuth = tls.NoClientCert
		case "request":
			tlscfg.ClientAuth = tls.RequestClientCert
		case "require":
			tlscfg.ClientAuth = tls.RequireAnyClientCert
		case "verify":
			tlscfg.ClientAuth = tls.VerifyClientCertIfGiven
		case "require-verify":
			tlscfg.ClientAuth = tls.RequireAndVerifyClientCert
		default:
			return nil, fmt.Errorf("invalid client auth type %s", cfg.ClientAuthType)
	}

	ca_pem, err = load_pem(cfg.ClientCACertFile, cfg.ClientCACertText)
	if err != nil { return nil, err }
	if ca_pem != nil {
		pool = x509.NewCertPool()
		if !pool.AppendCertsFromPEM(ca_pem) { return nil, fmt.Errorf("failed to parse client ca certificate") }
		tlscfg.ClientCAs = pool
	}
	return tlscfg, nil
}

func make_tls_client_config(cfg *ClientTLSConfig) (*tls.Config, error) {
	var tlscfg *tls.Config
	var cert tls.Certificate
	var cert_pem []byte
	var key_pem []byte
	var ca_pem []byte
	var pool *x509.CertPool
	var err error

	if !cfg.Enabled { return nil, nil }

	tlscfg = &tls.Config{
		ServerName: cfg.ServerName,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		MinVersion: tls.VersionTLS12,
	}

	cert_pem, err = load_pem(cfg.CertFile, cfg.CertText)
	if err != nil { return nil, err }
	key_pem, err = load_pem(cfg.KeyFile, cfg.KeyText)
	if err != nil { return nil, err }
	if cert_pem != nil && key_pem != nil {
		cert, err = tls.X509KeyPair(cert_pem, key_pem)
		if err != nil { return nil, fmt.Errorf("failed to load key pair - %s", err.Error()) }
		tlscfg.Certificates = []tls.Certificate{cert}
	}

	ca_pem, err = load_pem(cfg.ServerCACertFile, cfg.ServerCACertText)
	if err != nil { return nil, err }
	if ca_pem != nil {
		pool = x509.NewCertPool()
		if !pool.AppendCertsFromPEM(ca_pem) { return nil, fmt.Errorf("failed to parse server ca certificate") }
		tlscfg.RootCAs = pool
	}
	return tlscfg, nil
}
