package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	tmp := t.TempDir()
	path := filepath.Join(tmp, "cfg.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	return path
}

func requireErrEq(t *testing.T, err error, want string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error %q, got nil", want)
	}
	if err.Error() != want {
		t.Fatalf("error=%q want %q", err.Error(), want)
	}
}

const minimalConfig = `
bus:
  address: 0x10
source:
  kind: files
  format: "temp={}'C"
  files:
    dir: /var/lib/fanspeed
hosts:
  - {host: node1, fan: 1}
`

func TestLoad_DefaultsApplied(t *testing.T) {
	cfg, err := Load(writeTempConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	f := cfg.Fans
	if f.OffTemp != 40 || f.MinTemp != 55 || f.MaxTemp != 75 {
		t.Fatalf("temps=%v/%v/%v want 40/55/75", f.OffTemp, f.MinTemp, f.MaxTemp)
	}
	for i, r := range f.Ranges {
		if r != (SpeedRange{Min: 0, Max: 50}) {
			t.Fatalf("ranges[%d]=%+v want {0 50}", i, r)
		}
	}
	if *f.NoReadingSpeed != 0xFF {
		t.Fatalf("no_reading_speed=%#x want 0xff", *f.NoReadingSpeed)
	}
	if cfg.Bus.Driver != "i2c" || *cfg.Bus.Channel != 1 || cfg.Bus.Address != 0x10 {
		t.Fatalf("bus=%+v channel=%d", cfg.Bus, *cfg.Bus.Channel)
	}
	if *cfg.Protocol.StartMarker != 0x55 || *cfg.Protocol.EndMarker != 0xAA {
		t.Fatalf("markers=%#x/%#x want 0x55/0xaa", *cfg.Protocol.StartMarker, *cfg.Protocol.EndMarker)
	}
	if cfg.Transport.Attempts != 3 || cfg.Transport.Backoff != 500*time.Millisecond {
		t.Fatalf("transport=%+v", cfg.Transport)
	}
	if cfg.Loop.Period != 15*time.Second || cfg.Loop.RetryPenalty != time.Second {
		t.Fatalf("loop=%+v", cfg.Loop)
	}
	if cfg.Source.Files.MaxAge != 120*time.Second {
		t.Fatalf("files.max_age=%s want 2m0s", cfg.Source.Files.MaxAge)
	}
}

func TestLoad_FullConfig(t *testing.T) {
	path := writeTempConfig(t, `
fans:
  off_temp: 45
  min_temp: 50
  max_temp: 70
  min_speed: 20
  max_speed: 60
  speeds:
    - {min: 30, max: 50}
    - {min: 10, max: 90}
  no_reading_speed: 0x40
  pwm_output: 1
  supply_voltage: 12
bus:
  driver: serial
  port: /dev/ttyACM0
protocol:
  start_marker: 0x5a
  end_marker: 0xa5
transport:
  attempts: 5
  backoff: 250ms
loop:
  period: 10s
  retry_penalty: 500ms
source:
  format: "temp={}'C"
  ssh:
    user: pi
    key_path: /home/pi/.ssh/id_ed25519
    known_hosts: /home/pi/.ssh/known_hosts
    command: vcgencmd measure_temp
    sudo: true
  thermal:
    host: controller
hosts:
  - {host: node1, fan: 1}
  - {host: EMPTY, fan: 2}
  - {host: node3, fan: 4}
metrics:
  listen: ":9110"
indicator:
  enable: true
  line: 17
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	want := [NumFans]SpeedRange{{30, 50}, {10, 90}, {20, 60}, {20, 60}}
	if cfg.Fans.Ranges != want {
		t.Fatalf("ranges=%v want %v", cfg.Fans.Ranges, want)
	}
	if *cfg.Fans.NoReadingSpeed != 0x40 || cfg.Fans.PWMOutput != 1 || cfg.Fans.SupplyVoltage != 12 {
		t.Fatalf("fans=%+v", cfg.Fans)
	}
	if cfg.Bus.BaudRate != 115200 {
		t.Fatalf("baud_rate=%d want 115200", cfg.Bus.BaudRate)
	}
	if *cfg.Protocol.StartMarker != 0x5a || *cfg.Protocol.EndMarker != 0xa5 {
		t.Fatalf("markers=%#x/%#x", *cfg.Protocol.StartMarker, *cfg.Protocol.EndMarker)
	}
	if cfg.Transport.Attempts != 5 || cfg.Transport.Backoff != 250*time.Millisecond {
		t.Fatalf("transport=%+v", cfg.Transport)
	}
	if cfg.Loop.Period != 10*time.Second || cfg.Loop.RetryPenalty != 500*time.Millisecond {
		t.Fatalf("loop=%+v", cfg.Loop)
	}
	s := cfg.Source
	if s.Kind != "ssh" || s.SSH.Port != 22 || !s.SSH.Sudo || s.SSH.ConnectTimeout != 5*time.Second || s.SSH.CommandTimeout != 10*time.Second {
		t.Fatalf("source=%+v", s)
	}
	if s.Thermal.Path != "/sys/class/thermal/thermal_zone0/temp" {
		t.Fatalf("thermal.path=%q", s.Thermal.Path)
	}
	if len(cfg.Hosts) != 2 || cfg.Hosts[0].Host != "node1" || cfg.Hosts[1] != (HostConfig{Host: "node3", Fan: 4}) {
		t.Fatalf("hosts=%+v", cfg.Hosts)
	}
	if cfg.Metrics.Listen != ":9110" {
		t.Fatalf("metrics.listen=%q", cfg.Metrics.Listen)
	}
	if cfg.Indicator.Chip != "gpiochip0" || cfg.Indicator.Line != 17 {
		t.Fatalf("indicator=%+v", cfg.Indicator)
	}
}

func TestLoad_ZeroNoReadingSpeedKept(t *testing.T) {
	cfg, err := Load(writeTempConfig(t, minimalConfig+"fans:\n  no_reading_speed: 0\n"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if *cfg.Fans.NoReadingSpeed != 0 {
		t.Fatalf("no_reading_speed=%d want 0", *cfg.Fans.NoReadingSpeed)
	}
}

func TestLoad_ZeroMaxSpeedKept(t *testing.T) {
	cfg, err := Load(writeTempConfig(t, minimalConfig+"fans:\n  max_speed: 0\n"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if *cfg.Fans.MaxSpeed != 0 {
		t.Fatalf("max_speed=%d want 0", *cfg.Fans.MaxSpeed)
	}
	for i, r := range cfg.Fans.Ranges {
		if r != (SpeedRange{}) {
			t.Fatalf("ranges[%d]=%+v want {0 0}", i, r)
		}
	}
}

func TestLoad_Validation(t *testing.T) {
	cases := []struct {
		name   string
		config string
		want   string
	}{
		{
			name:   "off not below min",
			config: minimalConfig + "fans: {off_temp: 55, min_temp: 55, max_temp: 75}\n",
			want:   "fans.off_temp must be < fans.min_temp",
		},
		{
			name:   "min above max temp",
			config: minimalConfig + "fans: {off_temp: 40, min_temp: 80, max_temp: 75}\n",
			want:   "fans.min_temp must be <= fans.max_temp",
		},
		{
			name:   "speed range inverted",
			config: minimalConfig + "fans: {min_speed: 60, max_speed: 50}\n",
			want:   "fans.min_speed must be <= fans.max_speed",
		},
		{
			name:   "speed out of byte range",
			config: minimalConfig + "fans: {max_speed: 256}\n",
			want:   "fans.max_speed must be 0..255",
		},
		{
			name:   "per-fan range inverted",
			config: minimalConfig + "fans:\n  speeds:\n    - {min: 0, max: 50}\n    - {min: 9, max: 8}\n",
			want:   "fans.speeds[1].min must be <= fans.speeds[1].max",
		},
		{
			name:   "too many per-fan ranges",
			config: minimalConfig + "fans:\n  speeds: [{max: 1}, {max: 1}, {max: 1}, {max: 1}, {max: 1}]\n",
			want:   "fans.speeds has 5 entries, at most 4 allowed",
		},
		{
			name:   "i2c address missing",
			config: "source: {kind: files, format: '{}', files: {dir: /tmp}}\nhosts: [{host: a, fan: 1}]\n",
			want:   "bus.address is required when bus.driver is i2c",
		},
		{
			name:   "i2c address too wide",
			config: "bus: {address: 0x80}\nsource: {kind: files, format: '{}', files: {dir: /tmp}}\nhosts: [{host: a, fan: 1}]\n",
			want:   "bus.address must be a 7-bit address (0x01..0x7f)",
		},
		{
			name:   "serial port missing",
			config: "bus: {driver: serial}\nsource: {kind: files, format: '{}', files: {dir: /tmp}}\nhosts: [{host: a, fan: 1}]\n",
			want:   "bus.port is required when bus.driver is serial",
		},
		{
			name:   "unknown bus driver",
			config: "bus: {driver: spi}\n",
			want:   "bus.driver must be i2c or serial",
		},
		{
			name:   "equal markers",
			config: minimalConfig + "protocol: {start_marker: 0x55, end_marker: 0x55}\n",
			want:   "protocol.start_marker and protocol.end_marker must differ",
		},
		{
			name:   "format missing",
			config: "bus: {address: 0x10}\nsource: {kind: files, files: {dir: /tmp}}\n",
			want:   "source.format is required",
		},
		{
			name:   "ssh user missing",
			config: "bus: {address: 0x10}\nsource: {format: '{}'}\n",
			want:   "source.ssh.user is required",
		},
		{
			name:   "ssh known_hosts missing",
			config: "bus: {address: 0x10}\nsource: {format: '{}', ssh: {user: pi, command: x, key_path: /k}}\n",
			want:   "source.ssh.known_hosts is required unless source.ssh.insecure_ignore_host_key is true",
		},
		{
			name:   "unknown source kind",
			config: "bus: {address: 0x10}\nsource: {kind: snmp, format: '{}'}\n",
			want:   "source.kind must be ssh or files",
		},
		{
			name:   "no hosts",
			config: "bus: {address: 0x10}\nsource: {kind: files, format: '{}', files: {dir: /tmp}}\nhosts: [{host: EMPTY, fan: 1}]\n",
			want:   "hosts is required",
		},
		{
			name:   "fan out of range",
			config: "bus: {address: 0x10}\nsource: {kind: files, format: '{}', files: {dir: /tmp}}\nhosts: [{host: a, fan: 5}]\n",
			want:   "hosts[0].fan must be 1..4",
		},
		{
			name:   "duplicate host",
			config: "bus: {address: 0x10}\nsource: {kind: files, format: '{}', files: {dir: /tmp}}\nhosts: [{host: a, fan: 1}, {host: a, fan: 2}]\n",
			want:   `hosts[1].host "a" already listed at hosts[0]`,
		},
		{
			name:   "negative attempts",
			config: minimalConfig + "transport: {attempts: -1}\n",
			want:   "transport.attempts must be >= 1",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeTempConfig(t, tc.config))
			requireErrEq(t, err, tc.want)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
