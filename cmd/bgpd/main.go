// Command bgpd runs the BGP-4 speaker daemon described in spec.md.
//
// Usage: bgpd [-a ADDR] [-p PORT] [-v...] [-d] CONFIG_PATH
//
// Exit codes: 0 normal shutdown, 1 config error, 2 bind error.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/kiteroute/bgpd/internal/config"
	"github.com/kiteroute/bgpd/internal/manager"
	"github.com/kiteroute/bgpd/internal/metrics"
	"github.com/kiteroute/bgpd/internal/rib"
	"github.com/kiteroute/bgpd/internal/rpc"
	"github.com/sirupsen/logrus"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("bgpd", flag.ContinueOnError)
	addr := fs.String("a", "", "override bgp_socket address")
	port := fs.Int("p", 0, "override bgp_socket port")
	daemonize := fs.Bool("d", false, "JSON-format logs, as a daemonized process would want")
	verbosity := countFlag(fs, "v", "increase log verbosity (repeatable)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: bgpd [-a ADDR] [-p PORT] [-v...] [-d] CONFIG_PATH")
		return 1
	}
	configPath := fs.Arg(0)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return 1
	}
	if *addr != "" || *port != 0 {
		cfg.BGPSocket = overrideHostPort(cfg.BGPSocket, *addr, *port)
	}

	log := newLogger(cfg.LogLevel, *verbosity, *daemonize)

	metrics.Register()

	r := rib.New()
	mgr := manager.New(cfg.BGPSocket, r, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pollInterval := time.Duration(cfg.PollInterval) * time.Second
	if err := mgr.LoadPeers(ctx, pollInterval, cfg.Peers); err != nil {
		log.WithError(err).Error("failed to load peers")
		return 1
	}
	if err := mgr.Start(pollInterval); err != nil {
		log.WithError(err).Error("failed to bind bgp_socket")
		return 2
	}
	defer mgr.Stop()

	rpcServer := rpc.NewServer(mgr, r, log.WithField("component", "rpc"))
	httpServer := rpc.NewHTTPServer(cfg.APISocket, rpcServer, log.WithField("component", "api"))
	if err := httpServer.Start(); err != nil {
		log.WithError(err).Error("failed to bind api_socket")
		return 2
	}

	log.WithFields(logrus.Fields{
		"bgp_socket": cfg.BGPSocket,
		"api_socket": cfg.APISocket,
		"peers":      len(cfg.Peers),
	}).Info("bgpd started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGINT)

	currentPeers := cfg.Peers
	for sig := range sigCh {
		switch sig {
		case syscall.SIGHUP:
			log.Info("received SIGHUP, reloading configuration")
			newCfg, err := config.Load(configPath)
			if err != nil {
				log.WithError(err).Error("reload failed, keeping running configuration")
				continue
			}
			diff := config.DiffPeers(currentPeers, newCfg.Peers)
			if err := mgr.Reload(ctx, pollInterval, diff); err != nil {
				log.WithError(err).Error("reload application failed")
				continue
			}
			currentPeers = newCfg.Peers
			log.WithFields(logrus.Fields{
				"added": len(diff.Added), "removed": len(diff.Removed), "changed": len(diff.Changed),
			}).Info("configuration reloaded")
		case syscall.SIGTERM, syscall.SIGINT:
			log.WithField("signal", sig.String()).Info("received shutdown signal")
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				log.WithError(err).Warn("api server shutdown error")
			}
			shutdownCancel()
			mgr.Stop()
			log.Info("bgpd stopped")
			return 0
		}
	}
	return 0
}

// overrideHostPort applies -a/-p flag overrides onto a "host:port"
// listen address, keeping whichever side wasn't overridden.
func overrideHostPort(listenAddr, addr string, port int) string {
	host, p, err := net.SplitHostPort(listenAddr)
	if err != nil {
		host, p = listenAddr, "179"
	}
	if addr != "" {
		host = addr
	}
	if port != 0 {
		p = strconv.Itoa(port)
	}
	return net.JoinHostPort(host, p)
}

// newLogger builds the shared *logrus.Entry every component is handed
// via constructor injection (spec.md §10.1: no package-level global
// logger). Verbosity count lowers the level below the configured
// default; -d switches to JSON output the way a daemonized process
// running under a log collector would want it.
func newLogger(level string, verbosity int, daemonized bool) *logrus.Entry {
	l := logrus.New()
	if daemonized {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	for i := 0; i < verbosity && lvl < logrus.TraceLevel; i++ {
		lvl++
	}
	l.SetLevel(lvl)
	return logrus.NewEntry(l)
}

// countFlag registers a bool-like flag that can be repeated (-v -v -v)
// and returns the count observed after Parse.
func countFlag(fs *flag.FlagSet, name, usage string) *int {
	n := new(int)
	fs.Var((*countValue)(n), name, usage)
	return n
}

type countValue int

func (c *countValue) String() string {
	if c == nil {
		return "0"
	}
	return strconv.Itoa(int(*c))
}

func (c *countValue) Set(string) error {
	*c++
	return nil
}

func (c *countValue) IsBoolFlag() bool { return true }
