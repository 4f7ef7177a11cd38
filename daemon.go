package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/treemana/evwire/dnsserver"
	"github.com/treemana/evwire/evhttp"
	"github.com/treemana/evwire/hosts"
	"github.com/treemana/evwire/log"
	"github.com/treemana/evwire/metrics"
	"github.com/treemana/evwire/reactor"
	"github.com/treemana/evwire/resolver"
	"github.com/treemana/evwire/rpc"
	"github.com/treemana/evwire/util"
	"github.com/treemana/evwire/wire"
)

// resolveMethod is served by the daemon and called by "evwire resolve
// --rpc". Both messages are structs: {name, type} in, the lookup result
// out.
var resolveMethod = rpc.NewProtoMethod[*structpb.Struct, *structpb.Struct]("Resolve")

// daemon owns every engine of "evwire serve". All methods run on the loop
// goroutine.
type daemon struct {
	loop reactor.Reactor
	cfg  *Config
	log  *zap.SugaredLogger

	resolver *resolver.Resolver
	hosts    *hosts.Table
	dns      *dnsserver.Server
	http     *evhttp.Server
	rpc      *rpc.Base
	metrics  *http.Server

	dnsAddr     net.Addr
	httpAddr    net.Addr
	metricsAddr net.Addr
}

func newDaemon(loop reactor.Reactor, cfg *Config) *daemon {
	return &daemon{
		loop:  loop,
		cfg:   cfg,
		log:   log.Named("daemon"),
		hosts: hosts.New(),
	}
}

func (d *daemon) start() error {
	var err error
	if d.resolver, err = newResolver(d.loop, d.cfg); err != nil {
		return err
	}

	if err = d.hosts.Load(d.cfg.DNS.Hosts); err != nil {
		d.log.Warnf("hosts: %+v", err)
	}
	if path := d.cfg.DNS.HostsFile; path != "" {
		if err = readHostsFile(d.hosts, path); err != nil {
			d.log.Warnf("hosts file %s: %+v", path, err)
		}
	}
	d.log.Infof("hosts table has %d names", len(d.hosts.Questions()))

	if d.cfg.DNS.Listen != "" {
		d.dns = dnsserver.New(d.loop, d.answer, dnsserver.Options{Logger: log.Named("dns")})
		port, err := d.dns.Listen(d.cfg.DNS.Listen)
		if err != nil {
			return err
		}
		d.dnsAddr = port.Addr()
	}

	if d.cfg.HTTP.Listen != "" {
		d.http = evhttp.NewServer(d.loop, d.cfg.httpOptions())
		if err = d.http.Handle("/resolve", d.serveResolve); err != nil {
			return err
		}
		if err = d.http.Handle("/healthz", d.serveHealth); err != nil {
			return err
		}
		if d.cfg.RPC.Enable {
			d.rpc = rpc.NewBase(d.http)
			if err = rpc.Register(d.rpc, resolveMethod, d.serveResolveRPC); err != nil {
				return err
			}
		}
		if d.httpAddr, err = d.http.Bind(d.cfg.HTTP.Listen); err != nil {
			return err
		}
	}

	if d.cfg.Metrics.Listen != "" {
		ln, err := net.Listen("tcp", d.cfg.Metrics.Listen)
		if err != nil {
			return fmt.Errorf("metrics listen %s error=[%w]", d.cfg.Metrics.Listen, err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		d.metrics = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		d.metricsAddr = ln.Addr()
		go func() {
			if err := d.metrics.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.log.Errorf("metrics server error=[%+v]", err)
			}
		}()
		d.log.Infof("metrics listening on %s", ln.Addr())
	}
	return nil
}

func (d *daemon) close() error {
	var result *multierror.Error
	if d.metrics != nil {
		if err := d.metrics.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if d.http != nil {
		if err := d.http.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if d.dns != nil {
		if err := d.dns.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if d.resolver != nil {
		if err := d.resolver.Shutdown(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// newResolver builds a resolver from the resolv.conf file and the explicit
// settings of cfg.
func newResolver(loop reactor.Reactor, cfg *Config) (*resolver.Resolver, error) {
	r := resolver.New(loop, cfg.resolverOptions())
	if path := cfg.Resolver.ResolvConf; path != "" && len(cfg.Resolver.Nameservers) == 0 {
		if err := r.LoadConfig(path); err != nil {
			log.Sugar.Warnf("resolv.conf %s: %+v", path, err)
		}
	}
	for _, ns := range cfg.Resolver.Nameservers {
		if err := r.AddNameserver(ns); err != nil {
			return nil, err
		}
	}
	if len(cfg.Resolver.Search) > 0 {
		r.ClearSearch()
		for _, domain := range cfg.Resolver.Search {
			r.AddSearch(domain)
		}
	}
	if cfg.Resolver.NDots > 0 {
		r.SetNDots(cfg.Resolver.NDots)
	}
	if r.Count() == 0 {
		return nil, resolver.ErrNoNameservers
	}
	return r, nil
}

func readHostsFile(table *hosts.Table, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return table.ReadFrom(f)
}

// answer serves one DNS query: names in the hosts table are answered
// authoritatively, the rest goes through the resolver.
func (d *daemon) answer(req *dnsserver.Request) {
	if len(req.Questions) != 1 {
		_ = req.Respond(wire.RcodeFormatError)
		return
	}
	q := req.Questions[0]
	if q.Class != wire.ClassINET {
		_ = req.Respond(wire.RcodeNotImplemented)
		return
	}

	ttl := d.cfg.DNS.TTL
	switch q.Type {
	case wire.TypeA, wire.TypeAAAA:
		if ips := d.hosts.LookupIP(q.Name, q.Type); len(ips) > 0 {
			req.SetFlags(wire.FlagAA)
			if err := addAddrs(req, q.Name, q.Type, ttl, ips); err != nil {
				d.log.Warnf("name=%s, %+v", q.Name, err)
				_ = req.Respond(wire.RcodeServerFailure)
				return
			}
			_ = req.Respond(wire.RcodeSuccess)
			return
		}
	case wire.TypePTR:
		if target, ok := d.hosts.LookupPTR(q.Name); ok {
			req.SetFlags(wire.FlagAA)
			if err := req.AddPTR(nil, q.Name, target, ttl); err != nil {
				d.log.Warnf("name=%s, %+v", q.Name, err)
				_ = req.Respond(wire.RcodeServerFailure)
				return
			}
			_ = req.Respond(wire.RcodeSuccess)
			return
		}
	default:
		_ = req.Respond(wire.RcodeNotImplemented)
		return
	}

	d.forward(req, q)
}

func (d *daemon) forward(req *dnsserver.Request, q wire.Question) {
	cb := func(res resolver.Result) {
		switch res.Code {
		case resolver.NoError:
			var err error
			if q.Type == wire.TypePTR {
				for _, target := range res.Names {
					if err = req.AddPTR(nil, q.Name, target, res.TTL); err != nil {
						break
					}
				}
			} else {
				err = addAddrs(req, q.Name, q.Type, res.TTL, res.Addrs)
			}
			if err != nil {
				d.log.Warnf("name=%s, %+v", q.Name, err)
				_ = req.Respond(wire.RcodeServerFailure)
				return
			}
			_ = req.Respond(wire.RcodeSuccess)
		case resolver.NotExist:
			_ = req.Respond(wire.RcodeNameError)
		default:
			d.log.Debugf("name=%s, type=%s, %s", q.Name, util.TypeString(q.Type), res.Code)
			_ = req.Respond(wire.RcodeServerFailure)
		}
	}

	var err error
	switch q.Type {
	case wire.TypeA:
		err = d.resolver.ResolveIPv4(q.Name, resolver.NoSearch, cb)
	case wire.TypeAAAA:
		err = d.resolver.ResolveIPv6(q.Name, resolver.NoSearch, cb)
	case wire.TypePTR:
		err = d.resolver.ResolveReverseName(q.Name, cb)
	}
	if err != nil {
		d.log.Debugf("name=%s, forward error=[%+v]", q.Name, err)
		_ = req.Respond(wire.RcodeServerFailure)
	}
}

func addAddrs(req *dnsserver.Request, name string, qType uint16, ttl uint32, ips []net.IP) error {
	if qType == wire.TypeA {
		return req.AddA(name, ttl, ips...)
	}
	return req.AddAAAA(name, ttl, ips...)
}

// lookup resolves name as kind ("A", "AAAA" or "PTR" with an address),
// answering from table first when it is set.
func lookup(table *hosts.Table, ttl uint32, r *resolver.Resolver, name, kind string, cb resolver.Callback) error {
	kind = strings.ToUpper(kind)
	switch kind {
	case "", "A", "AAAA":
		qType, resolve := wire.TypeA, r.ResolveIPv4
		if kind == "AAAA" {
			qType, resolve = wire.TypeAAAA, r.ResolveIPv6
		}
		if table != nil {
			if ips := table.LookupIP(name, qType); len(ips) > 0 {
				cb(resolver.Result{Code: resolver.NoError, Type: qType, Name: strings.TrimSuffix(name, "."), TTL: ttl, Addrs: ips})
				return nil
			}
		}
		return resolve(name, 0, cb)

	case "PTR":
		ip := net.ParseIP(name)
		if ip == nil {
			return fmt.Errorf("%q is not an address", name)
		}
		if table != nil {
			reverse, err := util.ReverseName(ip)
			if err != nil {
				return err
			}
			if target, ok := table.LookupPTR(reverse); ok {
				cb(resolver.Result{Code: resolver.NoError, Type: wire.TypePTR, Name: reverse, TTL: ttl, Names: []string{target}})
				return nil
			}
		}
		return r.ResolveReverse(ip, cb)
	}
	return fmt.Errorf("unsupported type %q", kind)
}

// resultMap is the JSON and RPC form of a lookup result.
func resultMap(res resolver.Result) map[string]any {
	addrs := make([]any, 0, len(res.Addrs))
	for _, ip := range res.Addrs {
		addrs = append(addrs, ip.String())
	}
	names := make([]any, 0, len(res.Names))
	for _, n := range res.Names {
		names = append(names, n)
	}
	return map[string]any{
		"name":  res.Name,
		"type":  util.TypeString(res.Type),
		"code":  res.Code.String(),
		"ttl":   res.TTL,
		"addrs": addrs,
		"names": names,
	}
}

// serveResolve answers GET /resolve?name=<name>[&type=A|AAAA|PTR] with
// the lookup result as JSON.
func (d *daemon) serveResolve(req *evhttp.Request) {
	u, err := url.ParseRequestURI(req.URI)
	if err != nil {
		req.SendError(400, "Bad Request")
		return
	}
	query := u.Query()
	name := query.Get("name")
	if name == "" {
		req.SendError(400, "Bad Request")
		return
	}

	err = lookup(d.hosts, d.cfg.DNS.TTL, d.resolver, name, query.Get("type"), func(res resolver.Result) {
		body, err := json.Marshal(resultMap(res))
		if err != nil {
			req.SendError(500, "Internal Server Error")
			return
		}
		code, reason := 200, "OK"
		switch res.Code {
		case resolver.NoError:
		case resolver.NotExist:
			code, reason = 404, "Not Found"
		default:
			code, reason = 502, "Bad Gateway"
		}
		_ = req.OutputHeader.Set("Content-Type", "application/json")
		req.SendReply(code, reason, body)
	})
	if err != nil {
		d.log.Debugf("resolve %s: %+v", name, err)
		req.SendError(400, "Bad Request")
	}
}

func (d *daemon) serveHealth(req *evhttp.Request) {
	up := 0
	servers := d.resolver.Nameservers()
	for _, ns := range servers {
		if ns.Up {
			up++
		}
	}
	_ = req.OutputHeader.Set("Content-Type", "text/plain")
	req.SendReply(200, "OK", []byte(fmt.Sprintf("ok nameservers=%d/%d\n", up, len(servers))))
}

func (d *daemon) serveResolveRPC(call *rpc.ServerCall[*structpb.Struct, *structpb.Struct]) {
	fields := call.Request.GetFields()
	name := fields["name"].GetStringValue()

	err := lookup(d.hosts, d.cfg.DNS.TTL, d.resolver, name, fields["type"].GetStringValue(), func(res resolver.Result) {
		reply, err := structpb.NewStruct(resultMap(res))
		if err != nil {
			d.log.Warnf("name=%s, %+v", name, err)
			call.Fail()
			return
		}
		call.Reply.Fields = reply.GetFields()
		call.Done()
	})
	if err != nil {
		d.log.Debugf("rpc resolve %s: %+v", name, err)
		call.Fail()
	}
}
