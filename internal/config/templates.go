package config

import (
	"fmt"
	"os"
)

func Template() string {
	return daemonTemplate
}

// WriteTemplate writes the commented daemon config to path.
func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(daemonTemplate), 0o600)
}

const daemonTemplate = `# edgerpcd configuration

[engine]
queue_size = 1024
max_sessions = 4
max_message_bytes = 1048576

[listen]
network = "tcp"
address = "127.0.0.1:7400"
owner = "net"
feed_timeout = "250ms"
# A peer that stops reading for this long loses its session.
write_timeout = "5s"
read_buffer_size = 512
reset_on_decode_error = true

[listen.tls]
security_mode = "development"
enabled = false
mutual = false
cert_file = ""
key_file = ""
ca_file = ""

[admin]
# Leave empty to disable the admin HTTP server.
address = "127.0.0.1:7401"
cors_origins = ["http://localhost:3000"]
# Bearer token required by DELETE /sessions/:id. Empty leaves it open.
token = ""

[storage]
root = "local/storage"

[device]
name = "edgerpc"

[device.properties]
"devinfo.hardware.model" = "generic"
"devinfo.firmware.channel" = "dev"

[log]
level = "info"
json = false
`
