package fancontrol

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"fanspeed/internal/fanproto"
	"fanspeed/internal/tempsource"
)

var afterFn = time.After

const (
	DefaultPeriod       = 15 * time.Second
	DefaultRetryPenalty = 1 * time.Second
)

// Sender transmits one payload and reports how many attempts failed.
type Sender interface {
	Send(ctx context.Context, p fanproto.Payload) (int, error)
}

// Observer is told about every completed cycle (metrics, fault indicator).
type Observer interface {
	ObserveCycle(c Cycle)
}

type Config struct {
	Curve    Curve
	Settings fanproto.Settings
	Hosts    []HostFan

	// Period is the target cycle length.
	Period time.Duration
	// RetryPenalty is taken off the next sleep for every failed send attempt,
	// so retries do not stretch the cycle.
	RetryPenalty time.Duration
}

// Cycle is the outcome of one poll/compute/send pass.
type Cycle struct {
	At       time.Time
	Readings map[string]tempsource.Reading
	FanTemps [NumFans]tempsource.Reading
	Speeds   [NumFans]byte
	State    State
	Payload  fanproto.Payload
	Failed   int
	Err      error
}

type Snapshot struct {
	Cycles        uint64 `json:"cycles"`
	DroppedFrames uint64 `json:"dropped_frames"`

	HostTempC map[string]*float64 `json:"host_temp_c"`
	FanTempC  [NumFans]*float64   `json:"fan_temp_c"`
	FanOn     [NumFans]bool       `json:"fan_on"`
	Speeds    [NumFans]int        `json:"speeds"`

	LastFailedAttempts int       `json:"last_failed_attempts"`
	LastUpdateAt       time.Time `json:"last_update_utc,omitempty"`
	LastError          string    `json:"last_error,omitempty"`
}

// Service runs the control loop. The hysteresis State is owned by the loop
// goroutine; only the Snapshot is shared.
type Service struct {
	cfg    Config
	assign *Assignment
	src    tempsource.Source
	tx     Sender
	obs    []Observer

	state State

	mu   sync.RWMutex
	snap Snapshot
}

func New(cfg Config, src tempsource.Source, tx Sender, obs ...Observer) (*Service, error) {
	if src == nil {
		return nil, fmt.Errorf("fancontrol: temperature source is nil")
	}
	if tx == nil {
		return nil, fmt.Errorf("fancontrol: sender is nil")
	}
	if cfg.Curve.MaxTempC <= cfg.Curve.OffTempC {
		return nil, fmt.Errorf("fancontrol: max temp %.1f must be above off temp %.1f", cfg.Curve.MaxTempC, cfg.Curve.OffTempC)
	}
	assign, err := NewAssignment(cfg.Hosts)
	if err != nil {
		return nil, err
	}
	if cfg.Period <= 0 {
		cfg.Period = DefaultPeriod
	}
	if cfg.RetryPenalty <= 0 {
		cfg.RetryPenalty = DefaultRetryPenalty
	}
	return &Service{
		cfg:    cfg,
		assign: assign,
		src:    src,
		tx:     tx,
		obs:    obs,
		snap:   Snapshot{HostTempC: map[string]*float64{}},
	}, nil
}

func (s *Service) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.snap
	out.HostTempC = make(map[string]*float64, len(s.snap.HostTempC))
	for k, v := range s.snap.HostTempC {
		out.HostTempC[k] = v
	}
	return out
}

func (s *Service) setState(update func(*Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	update(&s.snap)
	s.snap.LastUpdateAt = time.Now().UTC()
}

// SleepAfter is how long to wait after a cycle whose send failed n times.
// Never negative.
func SleepAfter(period, penalty time.Duration, n int) time.Duration {
	d := period - time.Duration(n)*penalty
	if d < 0 {
		return 0
	}
	return d
}

// Run loops until ctx is canceled. Cycle failures are logged and never end
// the loop.
func (s *Service) Run(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("fancontrol: service is nil")
	}
	log.Printf("fancontrol: starting hosts=%d period=%s", len(s.assign.hosts), s.cfg.Period)
	for {
		c := s.RunOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		select {
		case <-afterFn(SleepAfter(s.cfg.Period, s.cfg.RetryPenalty, c.Failed)):
		case <-ctx.Done():
			return nil
		}
	}
}

// RunOnce polls, computes and sends one frame.
func (s *Service) RunOnce(ctx context.Context) Cycle {
	readings := s.src.Query(ctx, s.assign.Hosts())
	if readings == nil {
		readings = map[string]tempsource.Reading{}
	}
	fanTemps := s.assign.Group(readings)
	speeds, next := s.cfg.Curve.Compute(s.state, s.cfg.Settings.Ranges, fanTemps)
	s.state = next

	payload := fanproto.Encode(speeds, s.cfg.Settings)
	failed, err := s.tx.Send(ctx, payload)

	c := Cycle{
		At:       time.Now().UTC(),
		Readings: readings,
		FanTemps: fanTemps,
		Speeds:   speeds,
		State:    next,
		Payload:  payload,
		Failed:   failed,
		Err:      err,
	}

	log.Printf("fancontrol: cycle temps=%s fans=%v speeds=%v on=%v failed=%d", s.formatTemps(readings), fanTemps, speeds, next, failed)
	if err != nil {
		log.Printf("fancontrol: send failed: %v", err)
	}

	s.record(c)
	for _, o := range s.obs {
		o.ObserveCycle(c)
	}
	return c
}

func (s *Service) record(c Cycle) {
	hostTemps := make(map[string]*float64, len(s.assign.hosts))
	for _, host := range s.assign.hosts {
		hostTemps[host] = tempPtr(c.Readings[host])
	}
	s.setState(func(sn *Snapshot) {
		sn.Cycles++
		sn.HostTempC = hostTemps
		for i := 0; i < NumFans; i++ {
			sn.FanTempC[i] = tempPtr(c.FanTemps[i])
			sn.FanOn[i] = c.State[i]
			sn.Speeds[i] = int(c.Speeds[i])
		}
		sn.LastFailedAttempts = c.Failed
		if c.Err != nil {
			sn.DroppedFrames++
			sn.LastError = c.Err.Error()
		} else {
			sn.LastError = ""
		}
	})
}

func tempPtr(r tempsource.Reading) *float64 {
	if !r.Valid {
		return nil
	}
	v := r.TempC
	return &v
}

// formatTemps renders "host=48.3 host2=-" grouped by fan.
func (s *Service) formatTemps(readings map[string]tempsource.Reading) string {
	hosts := s.assign.Hosts()
	sort.SliceStable(hosts, func(i, j int) bool { return s.assign.Fan(hosts[i]) < s.assign.Fan(hosts[j]) })
	parts := make([]string, 0, len(hosts))
	for _, h := range hosts {
		parts = append(parts, fmt.Sprintf("%s@%d=%s", h, s.assign.Fan(h), readings[h]))
	}
	return "[" + strings.Join(parts, " ") + "]"
}
