package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const NumFans = 4

// EmptySlot marks an unpopulated slot in the hosts table; it is skipped.
const EmptySlot = "EMPTY"

type Config struct {
	Fans      FansConfig      `yaml:"fans"`
	Bus       BusConfig       `yaml:"bus"`
	Protocol  ProtocolConfig  `yaml:"protocol"`
	Transport TransportConfig `yaml:"transport"`
	Loop      LoopConfig      `yaml:"loop"`
	Source    SourceConfig    `yaml:"source"`
	Hosts     []HostConfig    `yaml:"hosts"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Indicator IndicatorConfig `yaml:"indicator"`
}

type FansConfig struct {
	OffTemp float64 `yaml:"off_temp"`
	MinTemp float64 `yaml:"min_temp"`
	MaxTemp float64 `yaml:"max_temp"`

	MinSpeed int  `yaml:"min_speed"`
	MaxSpeed *int `yaml:"max_speed"`
	// Speeds overrides min_speed/max_speed per fan, in fan order.
	Speeds []SpeedRange `yaml:"speeds"`
	// Ranges is the resolved per-fan range after Load.
	Ranges [NumFans]SpeedRange `yaml:"-"`

	NoReadingSpeed *int `yaml:"no_reading_speed"`
	PWMOutput      int  `yaml:"pwm_output"`
	SupplyVoltage  int  `yaml:"supply_voltage"`
}

type SpeedRange struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

type BusConfig struct {
	// Driver is "i2c" (default) or "serial".
	Driver   string `yaml:"driver"`
	Channel  *int   `yaml:"channel"`
	Address  int    `yaml:"address"`
	Port     string `yaml:"port"`
	BaudRate int    `yaml:"baud_rate"`
}

type ProtocolConfig struct {
	StartMarker *int `yaml:"start_marker"`
	EndMarker   *int `yaml:"end_marker"`
	Offset      int  `yaml:"offset"`
}

type TransportConfig struct {
	Attempts int           `yaml:"attempts"`
	Backoff  time.Duration `yaml:"backoff"`
}

type LoopConfig struct {
	Period       time.Duration `yaml:"period"`
	RetryPenalty time.Duration `yaml:"retry_penalty"`
}

type SourceConfig struct {
	// Kind is "ssh" (default) or "files".
	Kind   string      `yaml:"kind"`
	Format string      `yaml:"format"`
	SSH    SSHConfig   `yaml:"ssh"`
	Files  FilesConfig `yaml:"files"`
	// Thermal reads one host (usually the controller itself) from a local
	// thermal zone.
	Thermal ThermalConfig `yaml:"thermal"`
}

type SSHConfig struct {
	User                  string        `yaml:"user"`
	Port                  int           `yaml:"port"`
	KeyPath               string        `yaml:"key_path"`
	KnownHosts            string        `yaml:"known_hosts"`
	InsecureIgnoreHostKey bool          `yaml:"insecure_ignore_host_key"`
	Command               string        `yaml:"command"`
	Sudo                  bool          `yaml:"sudo"`
	ConnectTimeout        time.Duration `yaml:"connect_timeout"`
	CommandTimeout        time.Duration `yaml:"command_timeout"`
}

type FilesConfig struct {
	Dir    string        `yaml:"dir"`
	Suffix string        `yaml:"suffix"`
	MaxAge time.Duration `yaml:"max_age"`
}

type ThermalConfig struct {
	Host string `yaml:"host"`
	Path string `yaml:"path"`
}

type HostConfig struct {
	Host string `yaml:"host"`
	Fan  int    `yaml:"fan"`
}

type MetricsConfig struct {
	// Listen enables the /metrics and /api/status endpoint, e.g. ":9110".
	Listen string `yaml:"listen"`
}

type IndicatorConfig struct {
	Enable bool   `yaml:"enable"`
	Chip   string `yaml:"chip"`
	// Line is the offset on Chip; Name (e.g. "GPIO17") takes precedence.
	Line      int    `yaml:"line"`
	Name      string `yaml:"name"`
	ActiveLow bool   `yaml:"active_low"`
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.applyFans(); err != nil {
		return Config{}, err
	}
	if err := cfg.applyBus(); err != nil {
		return Config{}, err
	}
	if err := cfg.applyProtocol(); err != nil {
		return Config{}, err
	}
	if err := cfg.applySource(); err != nil {
		return Config{}, err
	}
	if err := cfg.applyHosts(); err != nil {
		return Config{}, err
	}

	if cfg.Transport.Attempts < 0 {
		return Config{}, fmt.Errorf("transport.attempts must be >= 1")
	}
	if cfg.Transport.Attempts == 0 {
		cfg.Transport.Attempts = 3
	}
	if cfg.Transport.Backoff <= 0 {
		cfg.Transport.Backoff = 500 * time.Millisecond
	}
	if cfg.Loop.Period <= 0 {
		cfg.Loop.Period = 15 * time.Second
	}
	if cfg.Loop.RetryPenalty <= 0 {
		cfg.Loop.RetryPenalty = 1 * time.Second
	}

	if cfg.Indicator.Enable {
		if cfg.Indicator.Chip == "" {
			cfg.Indicator.Chip = "gpiochip0"
		}
		if cfg.Indicator.Line < 0 {
			return Config{}, fmt.Errorf("indicator.line must be >= 0")
		}
	}

	return cfg, nil
}

func (cfg *Config) applyFans() error {
	f := &cfg.Fans
	if f.OffTemp == 0 && f.MinTemp == 0 && f.MaxTemp == 0 {
		f.OffTemp, f.MinTemp, f.MaxTemp = 40, 55, 75
	}
	if f.OffTemp >= f.MinTemp {
		return fmt.Errorf("fans.off_temp must be < fans.min_temp")
	}
	if f.MinTemp > f.MaxTemp {
		return fmt.Errorf("fans.min_temp must be <= fans.max_temp")
	}

	if f.MaxSpeed == nil {
		v := 50
		f.MaxSpeed = &v
	}
	if err := checkByte("fans.min_speed", f.MinSpeed); err != nil {
		return err
	}
	if err := checkByte("fans.max_speed", *f.MaxSpeed); err != nil {
		return err
	}
	if f.MinSpeed > *f.MaxSpeed {
		return fmt.Errorf("fans.min_speed must be <= fans.max_speed")
	}
	if len(f.Speeds) > NumFans {
		return fmt.Errorf("fans.speeds has %d entries, at most %d allowed", len(f.Speeds), NumFans)
	}
	for i := range f.Ranges {
		r := SpeedRange{Min: f.MinSpeed, Max: *f.MaxSpeed}
		if i < len(f.Speeds) {
			r = f.Speeds[i]
			name := fmt.Sprintf("fans.speeds[%d]", i)
			if err := checkByte(name+".min", r.Min); err != nil {
				return err
			}
			if err := checkByte(name+".max", r.Max); err != nil {
				return err
			}
			if r.Min > r.Max {
				return fmt.Errorf("%s.min must be <= %s.max", name, name)
			}
		}
		f.Ranges[i] = r
	}

	if f.NoReadingSpeed == nil {
		v := 0xFF
		f.NoReadingSpeed = &v
	}
	if err := checkByte("fans.no_reading_speed", *f.NoReadingSpeed); err != nil {
		return err
	}
	if err := checkByte("fans.pwm_output", f.PWMOutput); err != nil {
		return err
	}
	return checkByte("fans.supply_voltage", f.SupplyVoltage)
}

func (cfg *Config) applyBus() error {
	b := &cfg.Bus
	if b.Driver == "" {
		b.Driver = "i2c"
	}
	switch b.Driver {
	case "i2c":
		if b.Channel == nil {
			v := 1
			b.Channel = &v
		}
		if *b.Channel < 0 {
			return fmt.Errorf("bus.channel must be >= 0")
		}
		if b.Address == 0 {
			return fmt.Errorf("bus.address is required when bus.driver is i2c")
		}
		if b.Address < 0 || b.Address > 0x7F {
			return fmt.Errorf("bus.address must be a 7-bit address (0x01..0x7f)")
		}
	case "serial":
		if b.Port == "" {
			return fmt.Errorf("bus.port is required when bus.driver is serial")
		}
		if b.BaudRate <= 0 {
			b.BaudRate = 115200
		}
	default:
		return fmt.Errorf("bus.driver must be i2c or serial")
	}
	return nil
}

func (cfg *Config) applyProtocol() error {
	p := &cfg.Protocol
	if p.StartMarker == nil {
		v := 0x55
		p.StartMarker = &v
	}
	if p.EndMarker == nil {
		v := 0xAA
		p.EndMarker = &v
	}
	if err := checkByte("protocol.start_marker", *p.StartMarker); err != nil {
		return err
	}
	if err := checkByte("protocol.end_marker", *p.EndMarker); err != nil {
		return err
	}
	if *p.StartMarker == *p.EndMarker {
		return fmt.Errorf("protocol.start_marker and protocol.end_marker must differ")
	}
	return checkByte("protocol.offset", p.Offset)
}

func (cfg *Config) applySource() error {
	s := &cfg.Source
	if s.Kind == "" {
		s.Kind = "ssh"
	}
	if s.Format == "" {
		return fmt.Errorf("source.format is required")
	}
	switch s.Kind {
	case "ssh":
		if s.SSH.User == "" {
			return fmt.Errorf("source.ssh.user is required")
		}
		if s.SSH.Command == "" {
			return fmt.Errorf("source.ssh.command is required")
		}
		if s.SSH.KeyPath == "" {
			return fmt.Errorf("source.ssh.key_path is required")
		}
		if s.SSH.KnownHosts == "" && !s.SSH.InsecureIgnoreHostKey {
			return fmt.Errorf("source.ssh.known_hosts is required unless source.ssh.insecure_ignore_host_key is true")
		}
		if s.SSH.Port <= 0 {
			s.SSH.Port = 22
		}
		if s.SSH.ConnectTimeout <= 0 {
			s.SSH.ConnectTimeout = 5 * time.Second
		}
		if s.SSH.CommandTimeout <= 0 {
			s.SSH.CommandTimeout = 10 * time.Second
		}
	case "files":
		if s.Files.Dir == "" {
			return fmt.Errorf("source.files.dir is required when source.kind is files")
		}
		if s.Files.MaxAge <= 0 {
			s.Files.MaxAge = 120 * time.Second
		}
	default:
		return fmt.Errorf("source.kind must be ssh or files")
	}
	if s.Thermal.Host != "" && s.Thermal.Path == "" {
		s.Thermal.Path = "/sys/class/thermal/thermal_zone0/temp"
	}
	return nil
}

// applyHosts drops EMPTY slots and checks the host->fan table.
func (cfg *Config) applyHosts() error {
	hosts := make([]HostConfig, 0, len(cfg.Hosts))
	seen := make(map[string]int, len(cfg.Hosts))
	for i, h := range cfg.Hosts {
		if h.Host == EmptySlot {
			continue
		}
		if h.Host == "" {
			return fmt.Errorf("hosts[%d].host is required", i)
		}
		if h.Fan < 1 || h.Fan > NumFans {
			return fmt.Errorf("hosts[%d].fan must be 1..%d", i, NumFans)
		}
		if j, ok := seen[h.Host]; ok {
			return fmt.Errorf("hosts[%d].host %q already listed at hosts[%d]", i, h.Host, j)
		}
		seen[h.Host] = i
		hosts = append(hosts, h)
	}
	if len(hosts) == 0 {
		return fmt.Errorf("hosts is required")
	}
	cfg.Hosts = hosts
	return nil
}

func checkByte(name string, v int) error {
	if v < 0 || v > 0xFF {
		return fmt.Errorf("%s must be 0..255", name)
	}
	return nil
}
