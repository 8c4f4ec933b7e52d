package natsclient

import (
	"github.com/c360/askflow/config"
	"github.com/c360/askflow/pkg/tlsutil"
)

// OptionsFromConfig maps file configuration onto client options. Zero-valued
// fields keep the client defaults.
func OptionsFromConfig(cfg config.NATSConfig) []ClientOption {
	var opts []ClientOption
	if cfg.MaxReconnects != 0 {
		opts = append(opts, WithMaxReconnects(cfg.MaxReconnects))
	}
	if cfg.ReconnectWait.Std() > 0 {
		opts = append(opts, WithReconnectWait(cfg.ReconnectWait.Std()))
	}
	if cfg.Username != "" {
		opts = append(opts, WithCredentials(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		opts = append(opts, WithToken(cfg.Token))
	}
	if cfg.TLS.Enabled {
		opts = append(opts, WithTLS(tlsutil.ClientConfig{
			CertFile: cfg.TLS.CertFile,
			KeyFile:  cfg.TLS.KeyFile,
			CAFile:   cfg.TLS.CAFile,
		}))
	}
	return opts
}
