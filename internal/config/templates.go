package config

import (
	"fmt"
	"os"
)

func Template() string {
	return template
}

func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const template = `# callkeep configuration. Unset keys keep their defaults.

[policy]
base_delay = "1s"
multiplier = 2.0
max_delay = "30s"
jitter = false
escalation_threshold = 5
stale_threshold = "10m"
notification_cooldown = "15m"
# resume the reconnect counter across restarts
persist_backoff = false

[foreground]
identity = ""
pulse_every = "5m"
hidden_pulse_every = "15m"
inhibitor_retry_delay = "1s"
keepalive_ttl = "30s"
# {identity} and {token} are substituted per connect
telephony_command = ""
telephony_args = ["--identity", "{identity}", "--token", "{token}"]
inhibit_command = ""

[agent]
id = "callkeep-agent"
addr = "127.0.0.1:8089"
cors_origins = ["http://localhost:3000"]
token = "change-me"
tick_every = "15m"
wake_debounce = "30s"
app_url = "http://localhost:3000"
notify_command = "notify-send"
open_command = "xdg-open"
focus_command = []

[endpoints]
base_url = "http://127.0.0.1:8090"
channel_url = "ws://127.0.0.1:8089/channel"
token_ttl = "1h"
safety_margin = "1m"
timeout = "10s"
ca_file = ""

[store]
# memory | file | sqlite
driver = "sqlite"
path = "callkeep.db"

[functions]
id = "callkeep-functions"
addr = ":8090"
cors_origins = []
account_sid = ""
api_key = ""
api_secret = ""
application_sid = ""
identity_prefix = "store"
token_ttl = "1h"
region = "eu1"
provider_url = "https://api.twilio.com"
provider_auth_token = ""
status_callback_url = ""

[capabilities]
# auto | on | off
sleep_inhibitor = "auto"
background_timers = "auto"
notifications = "auto"
`
