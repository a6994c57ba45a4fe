package fancontrol

import (
	"fmt"

	"fanspeed/internal/tempsource"
)

// HostFan assigns one monitored host to the fan (1..NumFans) cooling it.
type HostFan struct {
	Host string
	Fan  int
}

// Assignment is the static host to fan mapping.
type Assignment struct {
	hosts []string
	fan   map[string]int
}

func NewAssignment(pairs []HostFan) (*Assignment, error) {
	a := &Assignment{fan: make(map[string]int, len(pairs))}
	for _, p := range pairs {
		if p.Host == "" {
			return nil, fmt.Errorf("fancontrol: empty host name")
		}
		if p.Fan < 1 || p.Fan > NumFans {
			return nil, fmt.Errorf("fancontrol: host %s fan %d out of range 1..%d", p.Host, p.Fan, NumFans)
		}
		if _, dup := a.fan[p.Host]; dup {
			return nil, fmt.Errorf("fancontrol: host %s assigned twice", p.Host)
		}
		a.fan[p.Host] = p.Fan
		a.hosts = append(a.hosts, p.Host)
	}
	return a, nil
}

// Hosts returns the monitored hosts in configuration order.
func (a *Assignment) Hosts() []string {
	return append([]string(nil), a.hosts...)
}

// Fan returns the 1-based fan for host, or 0 if the host is not monitored.
func (a *Assignment) Fan(host string) int {
	return a.fan[host]
}

// Group reduces host readings to one reading per fan: the hottest valid
// reading among the fan's hosts. A fan with no valid reading, including a fan
// with no hosts at all, gets NoReading and therefore the safety speed.
func (a *Assignment) Group(readings map[string]tempsource.Reading) [NumFans]tempsource.Reading {
	var out [NumFans]tempsource.Reading
	for _, host := range a.hosts {
		r := readings[host]
		if !r.Valid {
			continue
		}
		i := a.fan[host] - 1
		if !out[i].Valid || r.TempC > out[i].TempC {
			out[i] = r
		}
	}
	return out
}
