package config

import (
	"net"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ErrInvalid is returned for configurations failing validation.
var ErrInvalid = errors.New("invalid config")

// Defaults of the login server.
const (
	DefaultListenAddr      = "0.0.0.0"
	DefaultLoginPort       = 7171
	DefaultTimeout         = 30 * time.Second
	DefaultMetricsInterval = time.Minute
	DefaultLogLevel        = "info"
)

// RsaKey is a private key given as decimal strings.
type RsaKey struct {
	N string `json:"n"`
	E string `json:"e"`
	D string `json:"d"`
	P string `json:"p"`
	Q string `json:"q"`
}

// Character is an entry of a static account's character list.
type Character struct {
	Name  string `json:"name"`
	World string `json:"world"`
	IP    string `json:"ip"`
	Port  uint16 `json:"port"`
}

// Account is a static account. PasswordHash, a bcrypt hash, takes
// precedence over Password.
type Account struct {
	ID           int64       `json:"id"`
	Name         string      `json:"name"`
	Password     string      `json:"password,omitempty"`
	PasswordHash string      `json:"password_hash,omitempty"`
	PremiumEnd   uint32      `json:"premium_end"`
	Characters   []Character `json:"characters"`
}

// Server is the configuration file of the login server.
type Server struct {
	ListenAddr      string   `json:"listen_addr"`
	LoginPort       int      `json:"login_port"`
	ReadTimeout     Duration `json:"read_timeout"`
	WriteTimeout    Duration `json:"write_timeout"`
	MaxConnections  int      `json:"max_connections"`
	ReusePort       bool     `json:"reuse_port"`
	MetricsInterval Duration `json:"metrics_interval"`
	LogLevel        string   `json:"log_level"`
	Workers         int      `json:"workers"`

	RsaKeyFile string  `json:"rsa_key_file"`
	RsaKey     *RsaKey `json:"rsa_key"`

	MinClientVersion uint16 `json:"min_client_version"`
	MaxClientVersion uint16 `json:"max_client_version"`

	MotdID int64  `json:"motd_id"`
	Motd   string `json:"motd"`

	Accounts []Account `json:"accounts"`
}

// LoadServer reads and normalizes the configuration file at path.
func LoadServer(path string) (*Server, error) {
	var s Server
	if err := LoadJSONFile(path, &s); err != nil {
		return nil, err
	}
	if err := s.Normalize(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Normalize fills defaults and validates the configuration.
func (s *Server) Normalize() error {
	if s.ListenAddr == "" {
		s.ListenAddr = DefaultListenAddr
	}
	if s.LoginPort == 0 {
		s.LoginPort = DefaultLoginPort
	}
	if s.ReadTimeout.Duration == 0 {
		s.ReadTimeout.Duration = DefaultTimeout
	}
	if s.WriteTimeout.Duration == 0 {
		s.WriteTimeout.Duration = DefaultTimeout
	}
	if s.MetricsInterval.Duration == 0 {
		s.MetricsInterval.Duration = DefaultMetricsInterval
	}
	if s.LogLevel == "" {
		s.LogLevel = DefaultLogLevel
	}

	switch {
	case s.LoginPort < 0 || s.LoginPort > 65535:
		return errors.Wrapf(ErrInvalid, "login_port %d", s.LoginPort)
	case s.ReadTimeout.Duration < 0 || s.WriteTimeout.Duration < 0:
		return errors.Wrap(ErrInvalid, "negative timeout")
	case s.MaxConnections < 0:
		return errors.Wrapf(ErrInvalid, "max_connections %d", s.MaxConnections)
	case s.MaxClientVersion != 0 && s.MinClientVersion > s.MaxClientVersion:
		return errors.Wrapf(ErrInvalid, "client versions %d-%d", s.MinClientVersion, s.MaxClientVersion)
	case s.RsaKeyFile != "" && s.RsaKey != nil:
		return errors.Wrap(ErrInvalid, "rsa_key_file and rsa_key are exclusive")
	}

	seen := make(map[string]bool, len(s.Accounts))
	for _, acc := range s.Accounts {
		name := strings.ToLower(strings.TrimSpace(acc.Name))
		if name == "" {
			return errors.Wrapf(ErrInvalid, "account %d has no name", acc.ID)
		}
		if seen[name] {
			return errors.Wrapf(ErrInvalid, "duplicated account %q", acc.Name)
		}
		seen[name] = true

		if len(acc.Characters) > 255 {
			return errors.Wrapf(ErrInvalid, "account %q has %d characters", acc.Name, len(acc.Characters))
		}
		for _, ch := range acc.Characters {
			if ip := net.ParseIP(ch.IP); ip == nil || ip.To4() == nil {
				return errors.Wrapf(ErrInvalid, "character %q: ip %q is not IPv4", ch.Name, ch.IP)
			}
		}
	}
	return nil
}
