// setup.go writes the starter config for the setup subcommand. The
// template carries every tunable with its default and a comment where
// the value is safety-relevant. Interactive prompting is intentionally
// not part of the core.
package main

import (
	"fmt"
	"os"
	"path/filepath"
)

const starterConfig = `# btcfifo-mm configuration.
# Credentials come from the environment, never from this file:
#   export BTCFIFO_API_KEY=...
#   export BTCFIFO_API_SECRET=...

dry_run = true

[venue]
pair = "XBT/USD"
tick_size_usd = 0.1
lot_step_btc = 0.00000001
min_order_btc = 0.0001
rest_base_url = "https://api.example-venue.com"
ws_public_url = "wss://ws.example-venue.com/v2"
ws_private_url = "wss://ws-auth.example-venue.com/v2"
heartbeat_interval_sec = 20
cancel_after_timeout_sec = 60
pending_timeout = "1500ms"

[engine]
tick_interval = "1s"
book_depth = 10
thirty_day_volume_seed_usd = 0

[regime]
ewma_span = 50
momentum_window = 20
vwap_window = "5m"
chaos_vol = 0.008
trend_up_threshold = 0.015
trend_down_threshold = 0.015
hysteresis_ticks = 5
use_vwap_as_center = true

[regime.range_bound]
btc_target_pct = 0.50
btc_min_pct = 0.30
btc_max_pct = 0.70
grid_levels = 5
order_size_scale = 1.0

[regime.trending_up]
btc_target_pct = 0.60
btc_min_pct = 0.40
btc_max_pct = 0.80
grid_levels = 4
order_size_scale = 1.2

[regime.trending_down]
btc_target_pct = 0.35
btc_min_pct = 0.20
btc_max_pct = 0.55
grid_levels = 4
order_size_scale = 0.8

[regime.chaos]
btc_target_pct = 0.40
btc_min_pct = 0.25
btc_max_pct = 0.60
grid_levels = 2
order_size_scale = 0.5

[spacing]
window = 20
multiplier = 2.0
spacing_scale = 1.0
atr_enabled = true
atr_window = 14
atr_weight = 0.3
min_bps = 30
max_bps = 300

[skew]
sensitivity = 2.0
max_skew_bps = 30

[grid]
levels_buy = 5
levels_sell = 5
order_size_usd = 100
# Fraction of equity that may rebalance per tick. At sub-second ticks
# this compounds fast; size it for your tick_interval.
per_tick_rebalance_pct = 0.01

[risk]
warning_dd = 0.05
problem_dd = 0.10
critical_dd = 0.15
emergency_dd = 0.20
hysteresis_pct = 0.10
trailing_stop_enabled = false
trailing_stop_floor = 0.075
trailing_stop_baseline_usd = 0
velocity_window_sec = 60
freeze_pct = 0.03
cooldown_sec = 60

[tax]
holding_period_days = 365
near_threshold_days = 330
annual_exemption_eur = 1000
emergency_dd_override_pct = 0.20
harvest_enabled = true
harvest_min_loss_eur = 50
harvest_max_per_day = 3
harvest_target_net_eur = 0

[rate_limit]
max = 180
decay_per_sec = 3.75
headroom_pct = 0.80

[store]
data_dir = "data"
ledger_file = ""

[rates]
fixture_path = "data/eurusd.csv"
static_rate = 0

[paper]
start_usd = 10000
start_btc = 0

[logging]
level = "info"
format = "text"

[dashboard]
enabled = true
port = 8080
`

func writeStarterConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(path, []byte(starterConfig), 0o644)
}
