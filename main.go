package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/treemana/evwire/evhttp"
	"github.com/treemana/evwire/log"
	"github.com/treemana/evwire/reactor"
	"github.com/treemana/evwire/resolver"
	"github.com/treemana/evwire/rpc"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "evwire",
	Short: "evwire - event driven DNS stub resolver, DNS server and HTTP/RPC engine",
	Long: `evwire answers DNS questions from a static hosts table, forwards the
rest through its own stub resolver, and exposes the same lookups over
HTTP and RPC.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the DNS, HTTP and RPC servers",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		return runServe(path, cmd.Flags().Changed("config"))
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <name>",
	Short: "Resolve one name and print the result as JSON",
	Long: `Resolve one name with the stub resolver, or through a running
"evwire serve" when --rpc is given.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		rpcAddr, _ := cmd.Flags().GetString("rpc")
		servers, _ := cmd.Flags().GetStringSlice("server")
		v6, _ := cmd.Flags().GetBool("ipv6")
		reverse, _ := cmd.Flags().GetBool("reverse")

		cfg, err := loadConfig(path, cmd.Flags().Changed("config"))
		if err != nil {
			return err
		}

		kind := "A"
		switch {
		case reverse:
			kind = "PTR"
		case v6:
			kind = "AAAA"
		}
		return resolveOnce(cfg, args[0], kind, rpcAddr, servers, cmd.OutOrStdout())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "evwire version %s\nCommit: %s\n", Version, Commit)
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("evwire version %s\nCommit: %s\n", Version, Commit))

	serveCmd.Flags().StringP("config", "c", defaultConfigPath, "Configuration file")

	resolveCmd.Flags().StringP("config", "c", defaultConfigPath, "Configuration file")
	resolveCmd.Flags().BoolP("ipv6", "6", false, "Query AAAA instead of A")
	resolveCmd.Flags().BoolP("reverse", "x", false, "Reverse lookup of an address")
	resolveCmd.Flags().String("rpc", "", "Ask a running daemon at host:port over RPC")
	resolveCmd.Flags().StringSlice("server", nil, "Nameservers to use instead of the configured ones")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(versionCmd)
}

func runServe(path string, required bool) error {
	cfg, err := loadConfig(path, required)
	if err != nil {
		return err
	}

	if err = initLog(cfg); err != nil {
		return err
	}
	defer func() {
		_ = log.Logger.Sync()
	}()

	loop := reactor.New()
	go func() {
		_ = loop.Run(context.Background())
	}()
	defer loop.Stop()

	d := newDaemon(loop, cfg)
	loop.Call(func() { err = d.start() })
	if err != nil {
		loop.Call(func() { _ = d.close() })
		log.Sugar.Error(err)
		return err
	}
	log.Sugar.Infof("evwire %s running, dns=%v, http=%v", Version, d.dnsAddr, d.httpAddr)

	// running until os exit
	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM)
	s := <-sc
	log.Sugar.Infof("signal %d %s", s, s)

	loop.Call(func() { err = d.close() })
	if err != nil {
		log.Sugar.Warnf("shutdown: %+v", err)
	}
	return nil
}

// resolveOnce prints the lookup of name as JSON to w. With rpcAddr set the
// lookup is delegated to a daemon, otherwise a resolver runs in process.
func resolveOnce(cfg *Config, name, kind, rpcAddr string, servers []string, w io.Writer) error {
	loop := reactor.New()
	go func() {
		_ = loop.Run(context.Background())
	}()
	defer loop.Stop()

	type outcome struct {
		result map[string]any
		err    error
	}
	out := make(chan outcome, 1)

	var pool *rpc.Pool
	if rpcAddr != "" {
		loop.Post(func() {
			pool = rpc.NewPool(loop)
			pool.SetTimeout(cfg.RPC.Timeout)
			for i := 0; i < cfg.RPC.PoolSize; i++ {
				pool.AddConnection(evhttp.NewConnection(loop, rpcAddr, cfg.httpOptions()))
			}
			request, err := structpb.NewStruct(map[string]any{"name": name, "type": kind})
			if err != nil {
				out <- outcome{err: err}
				return
			}
			resolveMethod.Call(pool, request, func(st rpc.Status, reply *structpb.Struct) {
				if st != rpc.OK {
					out <- outcome{err: fmt.Errorf("rpc %s: %s", rpcAddr, st)}
					return
				}
				out <- outcome{result: reply.AsMap()}
			})
		})
	} else {
		if len(servers) > 0 {
			cfg.Resolver.Nameservers = servers
		}
		loop.Post(func() {
			r, err := newResolver(loop, cfg)
			if err != nil {
				out <- outcome{err: err}
				return
			}
			err = lookup(nil, 0, r, name, kind, func(res resolver.Result) {
				_ = r.Shutdown()
				out <- outcome{result: resultMap(res), err: res.Err()}
			})
			if err != nil {
				_ = r.Shutdown()
				out <- outcome{err: err}
			}
		})
	}

	var o outcome
	select {
	case o = <-out:
	case <-time.After(time.Minute):
		return errors.New("resolve: no answer")
	}
	if pool != nil {
		loop.Call(pool.Free)
	}
	if o.result != nil {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(o.result); err != nil {
			return err
		}
	}
	if o.err != nil {
		return fmt.Errorf("resolve %s %s: %w", strings.ToUpper(kind), name, o.err)
	}
	return nil
}
