package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validate checks the struct tags and the cross-field rules the tags cannot
// express. It never modifies cfg.
func Validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return err
	}

	if cfg.Telemetry.Enabled && cfg.Telemetry.Endpoint == "" {
		return fmt.Errorf("telemetry.endpoint is required when telemetry is enabled")
	}
	if cfg.Telemetry.Profiling.Enabled && cfg.Telemetry.Profiling.Endpoint == "" {
		return fmt.Errorf("telemetry.profiling.endpoint is required when profiling is enabled")
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Port == 0 {
		return fmt.Errorf("metrics.port is required when metrics are enabled")
	}

	if strings.EqualFold(cfg.Client.Type, "ascii") && strings.EqualFold(cfg.Client.Mode, "extended_block") {
		return fmt.Errorf("client.type ascii requires client.mode stream")
	}

	c := cfg.Credentials
	if (c.CertFile == "") != (c.KeyFile == "") {
		return fmt.Errorf("credentials.cert_file and credentials.key_file must be set together")
	}
	set := 0
	for _, f := range []string{c.ProxyFile, c.CertFile, c.PKCS12File} {
		if f != "" {
			set++
		}
	}
	if set > 1 {
		return fmt.Errorf("credentials: set only one of proxy_file, cert_file/key_file, pkcs12_file")
	}
	return nil
}
