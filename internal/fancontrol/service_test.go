package fancontrol

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"fanspeed/internal/fanproto"
	"fanspeed/internal/tempsource"
)

type fakeSource struct {
	mu     sync.Mutex
	rounds []map[string]tempsource.Reading
	calls  int
	hosts  []string
}

func (f *fakeSource) Query(ctx context.Context, hosts []string) map[string]tempsource.Reading {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hosts = hosts
	i := f.calls
	f.calls++
	if i >= len(f.rounds) {
		i = len(f.rounds) - 1
	}
	return f.rounds[i]
}

type fakeSender struct {
	failed   []int
	payloads []fanproto.Payload
}

func (f *fakeSender) Send(ctx context.Context, p fanproto.Payload) (int, error) {
	i := len(f.payloads)
	f.payloads = append(f.payloads, p)
	if i < len(f.failed) && f.failed[i] > 0 {
		n := f.failed[i]
		if n >= 3 {
			return n, fmt.Errorf("dropped: %w", errors.New("bus error"))
		}
		return n, nil
	}
	return 0, nil
}

type recordingObserver struct{ cycles []Cycle }

func (r *recordingObserver) ObserveCycle(c Cycle) { r.cycles = append(r.cycles, c) }

func testConfig() Config {
	r := fanproto.Range{Min: 30, Max: 50}
	return Config{
		Curve: testCurve,
		Settings: fanproto.Settings{
			Ranges:        [NumFans]fanproto.Range{r, r, r, r},
			PWMOutput:     1,
			SupplyVoltage: 12,
		},
		Hosts: []HostFan{
			{Host: "node1", Fan: 1},
			{Host: "node2", Fan: 1},
			{Host: "node3", Fan: 2},
			{Host: "node4", Fan: 3},
		},
	}
}

func TestRunOnce_ComputesAndSends(t *testing.T) {
	src := &fakeSource{rounds: []map[string]tempsource.Reading{{
		"node1": tempsource.Celsius(65),
		"node2": tempsource.Celsius(50),
		"node4": tempsource.Celsius(30),
	}}}
	tx := &fakeSender{}
	obs := &recordingObserver{}

	svc, err := New(testConfig(), src, tx, obs)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c := svc.RunOnce(context.Background())

	if got, want := src.hosts, []string{"node1", "node2", "node3", "node4"}; fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("queried hosts=%v want %v", got, want)
	}
	// fan1: hottest is 65 -> 44; fan2: absent -> 0xFF; fan3: 30 -> 0; fan4: no hosts -> 0xFF.
	wantSpeeds := [NumFans]byte{44, 0xFF, 0, 0xFF}
	if c.Speeds != wantSpeeds {
		t.Fatalf("speeds=%v want %v", c.Speeds, wantSpeeds)
	}
	wantPayload := fanproto.Payload{30, 50, 44, 30, 50, 0xFF, 30, 50, 0, 30, 50, 0xFF, 1, 12}
	if len(tx.payloads) != 1 || tx.payloads[0] != wantPayload {
		t.Fatalf("payloads=%v want [%v]", tx.payloads, wantPayload)
	}
	if c.State != (State{true, true, false, true}) {
		t.Fatalf("state=%v", c.State)
	}
	if len(obs.cycles) != 1 || obs.cycles[0].Speeds != wantSpeeds {
		t.Fatalf("observer cycles=%d", len(obs.cycles))
	}

	snap := svc.Snapshot()
	if snap.Cycles != 1 || snap.Speeds != [NumFans]int{44, 255, 0, 255} {
		t.Fatalf("snapshot=%+v", snap)
	}
	if snap.HostTempC["node3"] != nil || snap.HostTempC["node1"] == nil || *snap.HostTempC["node1"] != 65 {
		t.Fatalf("host temps=%v", snap.HostTempC)
	}
	if snap.FanTempC[0] == nil || *snap.FanTempC[0] != 65 || snap.FanTempC[1] != nil {
		t.Fatalf("fan temps=%v", snap.FanTempC)
	}
}

func TestRunOnce_StatePersistsAcrossCycles(t *testing.T) {
	src := &fakeSource{rounds: []map[string]tempsource.Reading{
		{"node1": tempsource.Celsius(50)}, // dead band, fan off
		{"node1": tempsource.Celsius(60)}, // above min, fan on
		{"node1": tempsource.Celsius(50)}, // dead band, fan stays on
		{"node1": tempsource.Celsius(40)}, // at off temp
	}}
	svc, err := New(testConfig(), src, &fakeSender{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	want := []byte{0, 41, 35, 0}
	for i, w := range want {
		c := svc.RunOnce(context.Background())
		if c.Speeds[0] != w {
			t.Fatalf("cycle %d speed=%d want %d", i, c.Speeds[0], w)
		}
	}
}

func TestRunOnce_DroppedFrameIsRecorded(t *testing.T) {
	src := &fakeSource{rounds: []map[string]tempsource.Reading{{}}}
	tx := &fakeSender{failed: []int{3}}
	svc, err := New(testConfig(), src, tx)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	c := svc.RunOnce(context.Background())
	if c.Err == nil || c.Failed != 3 {
		t.Fatalf("failed=%d err=%v", c.Failed, c.Err)
	}
	snap := svc.Snapshot()
	if snap.DroppedFrames != 1 || snap.LastFailedAttempts != 3 || snap.LastError == "" {
		t.Fatalf("snapshot=%+v", snap)
	}
}

func TestSleepAfter(t *testing.T) {
	cases := []struct {
		period, penalty time.Duration
		failed          int
		want            time.Duration
	}{
		{15 * time.Second, time.Second, 0, 15 * time.Second},
		{15 * time.Second, time.Second, 3, 12 * time.Second},
		{2 * time.Second, time.Second, 3, 0},
		{15 * time.Second, 0, 3, 15 * time.Second},
	}
	for _, tc := range cases {
		if got := SleepAfter(tc.period, tc.penalty, tc.failed); got != tc.want {
			t.Fatalf("SleepAfter(%s,%s,%d)=%s want %s", tc.period, tc.penalty, tc.failed, got, tc.want)
		}
	}
}

func TestRun_ShrinksSleepByFailedAttempts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sleeps []time.Duration
	old := afterFn
	afterFn = func(d time.Duration) <-chan time.Time {
		sleeps = append(sleeps, d)
		if len(sleeps) == 3 {
			cancel()
			return make(chan time.Time)
		}
		ch := make(chan time.Time, 1)
		ch <- time.Time{}
		return ch
	}
	t.Cleanup(func() { afterFn = old })

	src := &fakeSource{rounds: []map[string]tempsource.Reading{{"node1": tempsource.Celsius(60)}}}
	tx := &fakeSender{failed: []int{0, 2, 3}}
	svc, err := New(testConfig(), src, tx)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop after cancel")
	}

	want := []time.Duration{15 * time.Second, 13 * time.Second, 12 * time.Second}
	if fmt.Sprint(sleeps) != fmt.Sprint(want) {
		t.Fatalf("sleeps=%v want %v", sleeps, want)
	}
	if svc.Snapshot().Cycles != 3 {
		t.Fatalf("cycles=%d want 3", svc.Snapshot().Cycles)
	}
}

func TestNew_Validation(t *testing.T) {
	src := &fakeSource{rounds: []map[string]tempsource.Reading{{}}}

	if _, err := New(testConfig(), nil, &fakeSender{}); err == nil {
		t.Fatalf("expected error for nil source")
	}
	if _, err := New(testConfig(), src, nil); err == nil {
		t.Fatalf("expected error for nil sender")
	}
	cfg := testConfig()
	cfg.Curve.MaxTempC = cfg.Curve.OffTempC
	if _, err := New(cfg, src, &fakeSender{}); err == nil {
		t.Fatalf("expected error for max temp <= off temp")
	}
	cfg = testConfig()
	cfg.Hosts = append(cfg.Hosts, HostFan{Host: "node9", Fan: 9})
	if _, err := New(cfg, src, &fakeSender{}); err == nil {
		t.Fatalf("expected error for bad fan index")
	}

	svc, err := New(testConfig(), src, &fakeSender{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if svc.cfg.Period != DefaultPeriod {
		t.Fatalf("period=%s want %s", svc.cfg.Period, DefaultPeriod)
	}
	if svc.cfg.RetryPenalty != DefaultRetryPenalty {
		t.Fatalf("retry penalty=%s want %s", svc.cfg.RetryPenalty, DefaultRetryPenalty)
	}

	cfg = testConfig()
	cfg.RetryPenalty = -time.Second
	svc, err = New(cfg, src, &fakeSender{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := SleepAfter(svc.cfg.Period, svc.cfg.RetryPenalty, 3); got != 12*time.Second {
		t.Fatalf("sleep after 3 failures=%s want 12s", got)
	}
}

func TestSnapshot_NilService(t *testing.T) {
	var s *Service
	if snap := s.Snapshot(); snap.Cycles != 0 {
		t.Fatalf("snapshot=%+v", snap)
	}
	if err := s.Run(context.Background()); err == nil {
		t.Fatalf("expected error for nil service")
	}
}
