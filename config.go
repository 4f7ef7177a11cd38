package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/treemana/evwire/evhttp"
	"github.com/treemana/evwire/log"
	"github.com/treemana/evwire/resolver"
)

const defaultConfigPath = "evwire.yaml"

// Config is the daemon configuration file. Zero values select the
// defaults of each component.
type Config struct {
	Log struct {
		File       string `yaml:"file"`
		STDOUT     bool   `yaml:"stdout"`
		Level      int8   `yaml:"level"` // debug -1 | info 0 | warn 1 | error 2
		JsonFormat bool   `yaml:"json"`
		MaxAge     int    `yaml:"max_age"`
		MaxSize    int    `yaml:"max_size"`
		MaxBackups int    `yaml:"max_backups"`
	} `yaml:"log"`

	Resolver struct {
		// ResolvConf is read unless Nameservers is set; options it sets
		// override the ones below. Empty skips it.
		ResolvConf    string        `yaml:"resolv_conf"`
		Nameservers   []string      `yaml:"nameservers"`
		Search        []string      `yaml:"search"`
		NDots         int           `yaml:"ndots"`
		Timeout       time.Duration `yaml:"timeout"`
		Attempts      int           `yaml:"attempts"`
		MaxTimeouts   int           `yaml:"max_timeouts"`
		MaxInFlight   int           `yaml:"max_inflight"`
		MaxReissues   int           `yaml:"max_reissues"`
		RetryServFail bool          `yaml:"retry_servfail"`
	} `yaml:"resolver"`

	DNS struct {
		Listen    string              `yaml:"listen"`
		TTL       uint32              `yaml:"ttl"`
		Hosts     map[string][]string `yaml:"hosts"`
		HostsFile string              `yaml:"hosts_file"`
	} `yaml:"dns"`

	HTTP struct {
		Listen        string        `yaml:"listen"`
		Timeout       time.Duration `yaml:"timeout"`
		MaxHeaderSize int           `yaml:"max_header_size"`
		MaxBodySize   int64         `yaml:"max_body_size"`
	} `yaml:"http"`

	RPC struct {
		Enable   bool          `yaml:"enable"`
		PoolSize int           `yaml:"pool_size"`
		Timeout  time.Duration `yaml:"timeout"`
	} `yaml:"rpc"`

	Metrics struct {
		Listen string `yaml:"listen"`
	} `yaml:"metrics"`
}

func defaultConfig() *Config {
	c := &Config{}
	c.Log.STDOUT = true
	c.Log.MaxAge = 2
	c.Log.MaxSize = 10
	c.Log.MaxBackups = 100
	c.Resolver.ResolvConf = resolver.DefaultConfigPath
	c.DNS.Listen = "127.0.0.1:5353"
	c.DNS.TTL = 300
	c.HTTP.Listen = "127.0.0.1:8053"
	c.HTTP.MaxHeaderSize = 8 << 10
	c.HTTP.MaxBodySize = 1 << 20
	c.RPC.Enable = true
	c.RPC.PoolSize = 1
	c.RPC.Timeout = 5 * time.Second
	return c
}

// loadConfig reads path over the defaults. A missing file is only an
// error when required is set.
func loadConfig(path string, required bool) (*Config, error) {
	c := defaultConfig()

	raw, err := os.ReadFile(path)
	if err != nil {
		if !required && errors.Is(err, fs.ErrNotExist) {
			return c, nil
		}
		return nil, fmt.Errorf("read config %s error=[%w]", path, err)
	}
	if err = yaml.Unmarshal(raw, c); err != nil {
		return nil, fmt.Errorf("parse config %s error=[%w]", path, err)
	}
	if c.Log.File == "" && !c.Log.STDOUT {
		c.Log.STDOUT = true
	}
	if c.RPC.PoolSize <= 0 {
		c.RPC.PoolSize = 1
	}
	return c, nil
}

func (c *Config) resolverOptions() resolver.Options {
	o := resolver.Options{
		Timeout:              c.Resolver.Timeout,
		MaxTimeouts:          c.Resolver.MaxTimeouts,
		MaxInFlight:          c.Resolver.MaxInFlight,
		MaxReissues:          c.Resolver.MaxReissues,
		NDots:                c.Resolver.NDots,
		RetryOnServerFailure: c.Resolver.RetryServFail,
	}
	if c.Resolver.Attempts > 0 {
		// one transmission plus the retransmits; -1 keeps it at one
		o.MaxRetransmits = c.Resolver.Attempts - 1
		if o.MaxRetransmits == 0 {
			o.MaxRetransmits = -1
		}
	}
	return o
}

func (c *Config) httpOptions() evhttp.Options {
	return evhttp.Options{
		Timeout:       c.HTTP.Timeout,
		MaxHeaderSize: c.HTTP.MaxHeaderSize,
		MaxBodySize:   c.HTTP.MaxBodySize,
		Logger:        log.Named("http"),
	}
}

func initLog(c *Config) error {
	lc := log.Config{
		File:       c.Log.File,
		STDOUT:     c.Log.STDOUT,
		Level:      c.Log.Level,
		JsonFormat: c.Log.JsonFormat,
		MaxAge:     c.Log.MaxAge,
		MaxSize:    c.Log.MaxSize,
		MaxBackups: c.Log.MaxBackups,
	}

	if err := log.Init(lc); err != nil {
		fmt.Println("log init error", err)
		return err
	}

	return nil
}
