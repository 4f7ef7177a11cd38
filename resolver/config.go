package resolver

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
)

const (
	DefaultConfigPath = "/etc/resolv.conf"
	defaultNameserver = "127.0.0.1"
)

// LoadConfig reads a resolv.conf style file. A missing file is not an
// error: the resolver then falls back to the local nameserver.
func (r *Resolver) LoadConfig(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			r.log.Warnf("%s not found, using defaults", path)
			return r.applyDefaults()
		}
		return err
	}
	defer f.Close()

	return r.ParseConfig(f)
}

// ParseConfig applies resolv.conf directives:
//
//	nameserver <ip>[:port]
//	domain <suffix>
//	search <suffix>...
//	options ndots:<n> timeout:<s> attempts:<n> max-timeouts:<n>
//	        max-inflight:<n> max-reissues:<n> initial-probe-timeout:<s>
//
// Bad lines are collected and reported together; every good line is still
// applied.
func (r *Resolver) ParseConfig(src io.Reader) error {
	var result *multierror.Error

	scanner := bufio.NewScanner(src)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if i := strings.IndexAny(line, "#;"); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		var err error
		switch fields[0] {
		case "nameserver":
			if len(fields) < 2 {
				err = fmt.Errorf("missing address")
				break
			}
			err = r.AddNameserver(fields[1])
		case "domain":
			if len(fields) < 2 {
				err = fmt.Errorf("missing domain")
				break
			}
			r.ClearSearch()
			r.AddSearch(fields[1])
		case "search":
			r.ClearSearch()
			for _, domain := range fields[1:] {
				r.AddSearch(domain)
			}
		case "options":
			for _, opt := range fields[1:] {
				if optErr := r.setOption(opt); optErr != nil {
					result = multierror.Append(result, fmt.Errorf("line %d: %w", lineNo, optErr))
				}
			}
		default:
			r.log.Debugf("line %d: ignoring %q", lineNo, fields[0])
		}
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("line %d: %s: %w", lineNo, fields[0], err))
		}
	}
	if err := scanner.Err(); err != nil {
		result = multierror.Append(result, err)
	}

	if err := r.applyDefaults(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// applyDefaults adds the local nameserver when none is configured and
// derives the search list from the hostname when none is set.
func (r *Resolver) applyDefaults() error {
	if len(r.servers) == 0 {
		if err := r.AddNameserver(defaultNameserver); err != nil {
			return err
		}
	}
	if r.search == nil || len(r.search.domains) == 0 {
		if domain := hostDomain(); domain != "" {
			r.AddSearch(domain)
		}
	}
	return nil
}

func hostDomain() string {
	host, err := os.Hostname()
	if err != nil {
		return ""
	}
	if i := strings.IndexByte(host, '.'); i >= 0 && i < len(host)-1 {
		return host[i+1:]
	}
	return ""
}

func (r *Resolver) setOption(opt string) error {
	key, value, ok := strings.Cut(opt, ":")
	if !ok {
		// flags such as rotate or edns0 carry no value and are not used
		return nil
	}

	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("option %s: %w", key, err)
	}
	if n < 0 {
		return fmt.Errorf("option %s: negative value %d", key, n)
	}

	switch key {
	case "ndots":
		r.SetNDots(n)
	case "timeout":
		if n == 0 {
			return fmt.Errorf("option timeout: must be positive")
		}
		r.opts.Timeout = time.Duration(n) * time.Second
	case "attempts":
		// attempts counts the first transmission too
		if n == 0 {
			n = 1
		}
		r.opts.MaxRetransmits = n - 1
	case "max-timeouts":
		if n == 0 {
			n = 1
		}
		r.opts.MaxTimeouts = n
	case "max-inflight":
		r.SetMaxInFlight(n)
	case "max-reissues":
		r.opts.MaxReissues = n
	case "initial-probe-timeout":
		if n == 0 {
			return fmt.Errorf("option initial-probe-timeout: must be positive")
		}
		r.opts.ProbeBackoff[0] = time.Duration(n) * time.Second
	default:
		r.log.Debugf("ignoring option %s", key)
	}
	return nil
}
