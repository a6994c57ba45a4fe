package tempsource

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	DefaultSSHPort        = 22
	DefaultConnectTimeout = 5 * time.Second
	DefaultCommandTimeout = 10 * time.Second
)

type SSHConfig struct {
	User    string
	Port    int
	KeyPath string
	// KnownHostsPath is used to verify host keys unless InsecureIgnoreHostKey is set.
	KnownHostsPath        string
	InsecureIgnoreHostKey bool

	// Command prints the temperature on stdout, e.g. "vcgencmd measure_temp".
	Command string
	// Sudo runs Command through non-interactive sudo.
	Sudo bool

	ConnectTimeout time.Duration
	CommandTimeout time.Duration
}

// SSH runs a command on every host in parallel and parses its stdout.
type SSH struct {
	cfg       SSHConfig
	format    *Format
	clientCfg *ssh.ClientConfig
}

func NewSSH(cfg SSHConfig, format *Format) (*SSH, error) {
	if cfg.User == "" {
		return nil, fmt.Errorf("tempsource: ssh user is required")
	}
	if cfg.Command == "" {
		return nil, fmt.Errorf("tempsource: ssh command is required")
	}
	if cfg.KeyPath == "" {
		return nil, fmt.Errorf("tempsource: ssh key_path is required")
	}
	if format == nil {
		return nil, fmt.Errorf("tempsource: format is required")
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultSSHPort
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}

	key, err := os.ReadFile(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("tempsource: read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("tempsource: parse ssh key: %w", err)
	}

	var hostKeys ssh.HostKeyCallback
	switch {
	case cfg.InsecureIgnoreHostKey:
		hostKeys = ssh.InsecureIgnoreHostKey()
	case cfg.KnownHostsPath != "":
		hostKeys, err = knownhosts.New(cfg.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("tempsource: load known_hosts: %w", err)
		}
	default:
		return nil, fmt.Errorf("tempsource: ssh known_hosts is required unless insecure_ignore_host_key is set")
	}

	return &SSH{
		cfg:    cfg,
		format: format,
		clientCfg: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: hostKeys,
			Timeout:         cfg.ConnectTimeout,
		},
	}, nil
}

func (s *SSH) command() string {
	if s.cfg.Sudo {
		return "sudo -n " + s.cfg.Command
	}
	return s.cfg.Command
}

// Query contacts all hosts concurrently and waits for every one of them to
// answer or time out.
func (s *SSH) Query(ctx context.Context, hosts []string) map[string]Reading {
	out := make(map[string]Reading, len(hosts))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, host := range hosts {
		wg.Add(1)
		go func(host string) {
			defer wg.Done()
			r, err := s.queryHost(ctx, host)
			if err != nil {
				log.Printf("tempsource: ssh host=%s: %v", host, err)
			}
			mu.Lock()
			out[host] = r
			mu.Unlock()
		}(host)
	}
	wg.Wait()
	return out
}

func (s *SSH) addr(host string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(s.cfg.Port))
}

func (s *SSH) queryHost(ctx context.Context, host string) (Reading, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout+s.cfg.CommandTimeout)
	defer cancel()

	addr := s.addr(host)
	d := net.Dialer{Timeout: s.cfg.ConnectTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return NoReading, fmt.Errorf("dial: %w", err)
	}
	// Bound the handshake, then hand deadline control to ctx below.
	_ = conn.SetDeadline(time.Now().Add(s.cfg.ConnectTimeout))
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, s.clientCfg)
	if err != nil {
		_ = conn.Close()
		return NoReading, fmt.Errorf("handshake: %w", err)
	}
	_ = conn.SetDeadline(time.Time{})
	client := ssh.NewClient(c, chans, reqs)
	defer client.Close()

	sess, err := client.NewSession()
	if err != nil {
		return NoReading, fmt.Errorf("session: %w", err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	cmdCtx, cmdCancel := context.WithTimeout(ctx, s.cfg.CommandTimeout)
	defer cmdCancel()

	done := make(chan error, 1)
	go func() { done <- sess.Run(s.command()) }()

	select {
	case err := <-done:
		if err != nil {
			return NoReading, fmt.Errorf("run: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
		}
	case <-cmdCtx.Done():
		// Closing the client unblocks sess.Run.
		_ = client.Close()
		<-done
		return NoReading, fmt.Errorf("run: %w", cmdCtx.Err())
	}
	return s.format.Reading(stdout.String())
}
