package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jpillora/backoff"

	"fanspeed/internal/fanproto"
)

const (
	DefaultAttempts = 3
	DefaultBackoff  = 500 * time.Millisecond
)

// ErrFrameDropped is returned when every attempt failed. The frame is not
// queued; the next control cycle sends a fresh one.
var ErrFrameDropped = errors.New("transport: frame dropped")

var afterFn = time.After

// Bus is the raw write primitive of the link to the fan board.
type Bus interface {
	// WriteBlock writes p to the device starting at register offset.
	WriteBlock(offset byte, p []byte) error
}

type Config struct {
	Markers fanproto.Markers
	// Offset is the register offset passed to the bus, 0 for the fan board.
	Offset   byte
	Attempts int
	// Backoff is the fixed delay between attempts.
	Backoff time.Duration
}

// Sender frames payloads and writes them with bounded retry.
type Sender struct {
	cfg Config
	bus Bus
}

func New(bus Bus, cfg Config) *Sender {
	if cfg.Markers == (fanproto.Markers{}) {
		cfg.Markers = fanproto.DefaultMarkers
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	return &Sender{cfg: cfg, bus: bus}
}

// Send writes one frame and returns how many attempts failed (0 when the
// first write went through). If all attempts fail it returns
// cfg.Attempts and an error wrapping ErrFrameDropped.
func (s *Sender) Send(ctx context.Context, p fanproto.Payload) (int, error) {
	frame := s.cfg.Markers.Frame(p)

	b := &backoff.Backoff{
		Min:    s.cfg.Backoff,
		Max:    s.cfg.Backoff,
		Factor: 1,
		Jitter: false,
	}

	failed := 0
	var lastErr error
	for attempt := 1; attempt <= s.cfg.Attempts; attempt++ {
		err := s.bus.WriteBlock(s.cfg.Offset, frame)
		if err == nil {
			log.Printf("transport: sent frame=% x attempt=%d", frame, attempt)
			return failed, nil
		}
		failed++
		lastErr = err
		log.Printf("transport: write failed attempt=%d/%d frame=% x: %v", attempt, s.cfg.Attempts, frame, err)

		if attempt == s.cfg.Attempts {
			break
		}
		select {
		case <-afterFn(b.Duration()):
		case <-ctx.Done():
			return failed, fmt.Errorf("%w: %v", ErrFrameDropped, ctx.Err())
		}
	}
	return failed, fmt.Errorf("%w after %d attempts: %v", ErrFrameDropped, failed, lastErr)
}
