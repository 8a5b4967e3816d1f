package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// configTemplate is the commented file written by "gridftp config init".
// Every value matches GetDefaultConfig.
const configTemplate = `# GridFTP Client Configuration File
#
# Environment variables override any value here, e.g.
#   GRIDFTP_CLIENT_PARALLELISM=8
#   GRIDFTP_LOGGING_LEVEL=debug

logging:
  # DEBUG, INFO, WARN or ERROR
  level: INFO
  # text or json
  format: text
  # stdout, stderr or a file path
  output: stderr

telemetry:
  # Export one span per operation over OTLP gRPC
  enabled: false
  endpoint: localhost:4317
  insecure: true
  sample_rate: 1.0
  profiling:
    enabled: false
    endpoint: http://localhost:4040
    profile_types:
      - cpu
      - alloc_objects
      - alloc_space
      - inuse_objects
      - inuse_space
      - goroutines

metrics:
  # Serve Prometheus metrics while a command runs
  enabled: false
  port: 9090

client:
  # Reuse control connections between operations of one invocation
  cache_connections: true
  # stream or extended_block
  mode: extended_block
  # binary or ascii (ascii requires stream mode)
  type: binary
  # Data streams per stripe in extended_block mode
  parallelism: 4
  # SBUF size; 0 keeps the server default
  tcp_buffer: 0
  block_size: 1Mi
  # Buffers kept in flight by get/put; 0 means two per stream
  buffers: 0
  # Use SPAS/SPOR against striped servers
  striped: false
  # Operation timeout; 0 disables it
  timeout: 0s
  abort_timeout: 10s
  marker_interval: 1s

credentials:
  # For gsiftp:// URLs. Empty values fall back to X509_USER_PROXY,
  # X509_USER_CERT, X509_USER_KEY and X509_CERT_DIR.
  # proxy_file: /tmp/x509up_u1000
  # cert_file: ~/.globus/usercert.pem
  # key_file: ~/.globus/userkey.pem
  # pkcs12_file: ~/.globus/usercred.p12
  # ca_dir: /etc/grid-security/certificates
  insecure_skip_verify: false
`

// InitConfig writes the sample configuration to the default location and
// returns its path.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	if err := InitConfigToPath(path, force); err != nil {
		return "", err
	}
	return path, nil
}

// InitConfigToPath writes the sample configuration to path. An existing
// file is only replaced when force is set.
func InitConfigToPath(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", path)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(configTemplate), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
