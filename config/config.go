// Package config holds the configuration surface described in spec.md
// §6. Loading the values from a file or environment is an external
// collaborator's job (out of scope per spec.md §1); this package only
// defines the struct and validates it, the way
// github.com/nabbar/golib/certificates.Config does with
// github.com/go-playground/validator/v10.
package config

import (
	"time"

	validator "github.com/go-playground/validator/v10"

	"github.com/emberhttpd/ember/api"
)

// Config is the top-level server configuration snapshot the Server
// stores at construction time (spec.md §3 "Server").
type Config struct {
	ListenHost string `mapstructure:"listenHost" json:"listenHost" validate:"required"`
	ListenPort int    `mapstructure:"listenPort" json:"listenPort" validate:"required,min=1,max=65535"`

	MaxConnections int `mapstructure:"maxConnections" json:"maxConnections" validate:"min=0"`
	AcceptBacklog  int `mapstructure:"acceptBacklog" json:"acceptBacklog" validate:"min=0"`

	// ConnTimeout bounds how long a connection may sit idle before the
	// FSM forces CLOSING (spec.md §4.1 "Timeouts"), range 5-300s.
	ConnTimeout time.Duration `mapstructure:"connTimeout" json:"connTimeout" validate:"min=5000000000,max=300000000000"`
	// KeepAliveTimeout is applied while a connection sits between
	// pipelined requests, separate from ConnTimeout so long polling
	// handlers are not penalized by the idle-read deadline.
	KeepAliveTimeout time.Duration `mapstructure:"keepAliveTimeout" json:"keepAliveTimeout"`

	ReadBufferInitial int `mapstructure:"readBufferInitial" json:"readBufferInitial" validate:"min=0"`
	ReadBufferMax     int `mapstructure:"readBufferMax" json:"readBufferMax" validate:"min=0"`

	MaxBodySize   int64 `mapstructure:"maxBodySize" json:"maxBodySize" validate:"min=0"`
	MaxHeaderSize int   `mapstructure:"maxHeaderSize" json:"maxHeaderSize" validate:"min=0"`
	MaxURLSize    int   `mapstructure:"maxURLSize" json:"maxURLSize" validate:"min=0"`

	// RouterTrieThreshold is spec.md §3's T: below it the router stays
	// a linear array, above it it rebuilds as a trie.
	RouterTrieThreshold int `mapstructure:"routerTrieThreshold" json:"routerTrieThreshold" validate:"min=1"`

	TLS    *TLSConfig    `mapstructure:"tls" json:"tls,omitempty" validate:"omitempty"`
	Static *StaticConfig `mapstructure:"static" json:"static,omitempty" validate:"omitempty"`
}

// DefaultConfig mirrors the numeric defaults spec.md calls out inline
// (30s connection timeout, 100-route trie threshold, 100MiB max file
// size lives in StaticConfig, etc).
func DefaultConfig() *Config {
	return &Config{
		ListenHost:          "0.0.0.0",
		ListenPort:          8080,
		MaxConnections:      10000,
		AcceptBacklog:       1024,
		ConnTimeout:         30 * time.Second,
		KeepAliveTimeout:    30 * time.Second,
		ReadBufferInitial:   4 << 10,
		ReadBufferMax:       1 << 20,
		MaxBodySize:         10 << 20,
		MaxHeaderSize:       16 << 10,
		MaxURLSize:          8 << 10,
		RouterTrieThreshold: 100,
	}
}

var validate = validator.New()

// Validate runs struct-tag validation and cross-field sanity checks
// that validator tags cannot express (e.g. ReadBufferMax >= Initial).
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return api.Wrap(api.CodeInvalidConfig, err, "config validation failed")
	}
	if c.ReadBufferMax > 0 && c.ReadBufferInitial > c.ReadBufferMax {
		return api.New(api.CodeInvalidConfig, "readBufferInitial exceeds readBufferMax")
	}
	if c.TLS != nil {
		if err := c.TLS.Validate(); err != nil {
			return err
		}
	}
	if c.Static != nil {
		if err := c.Static.Validate(); err != nil {
			return err
		}
	}
	return nil
}
