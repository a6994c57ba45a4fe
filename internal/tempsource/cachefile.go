package tempsource

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"
)

// DefaultMaxAge is how old a result file may be before it is ignored.
const DefaultMaxAge = 120 * time.Second

// MaxClockSkew is how far in the future a result file's mtime may be.
const MaxClockSkew = 5 * time.Second

var nowFn = time.Now

type CacheFilesConfig struct {
	// Dir holds one file per host, named after the host.
	Dir string
	// Suffix is appended to the host name, e.g. ".temp".
	Suffix string
	MaxAge time.Duration
}

// CacheFiles reads results that the hosts deposit locally (for example via a
// cron job that scp's vcgencmd output here).
type CacheFiles struct {
	cfg    CacheFilesConfig
	format *Format
}

func NewCacheFiles(cfg CacheFilesConfig, format *Format) (*CacheFiles, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("tempsource: files dir is required")
	}
	if format == nil {
		return nil, fmt.Errorf("tempsource: format is required")
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	return &CacheFiles{cfg: cfg, format: format}, nil
}

func (c *CacheFiles) Query(ctx context.Context, hosts []string) map[string]Reading {
	out := make(map[string]Reading, len(hosts))
	now := nowFn()
	for _, host := range hosts {
		if ctx.Err() != nil {
			break
		}
		r, err := c.read(host, now)
		if err != nil {
			log.Printf("tempsource: files host=%s: %v", host, err)
		}
		out[host] = r
	}
	return out
}

func (c *CacheFiles) path(host string) string {
	return filepath.Join(c.cfg.Dir, host+c.cfg.Suffix)
}

func (c *CacheFiles) read(host string, now time.Time) (Reading, error) {
	p := c.path(host)
	fi, err := os.Stat(p)
	if err != nil {
		return NoReading, err
	}
	age := now.Sub(fi.ModTime())
	if age > c.cfg.MaxAge {
		return NoReading, fmt.Errorf("stale result age=%s max=%s", age.Truncate(time.Second), c.cfg.MaxAge)
	}
	if age < -MaxClockSkew {
		return NoReading, fmt.Errorf("result from the future mtime=%s", fi.ModTime().UTC().Format(time.RFC3339))
	}
	b, err := os.ReadFile(p)
	if err != nil {
		return NoReading, err
	}
	return c.format.Reading(string(b))
}
