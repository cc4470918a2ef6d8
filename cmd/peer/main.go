// Command peer runs one node of the distributed mutual-exclusion ring: it
// registers itself with the name registry, starts its failure detector and
// inbound RPC server, and drops into an interactive menu mirroring the
// original's start_peer loop (original_source/peer.py) for driving
// enter/exit/list manually.
package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/sincronizacion-distribuida/ricart-agrawala-peer/internal/audit"
	"github.com/sincronizacion-distribuida/ricart-agrawala-peer/internal/config"
	"github.com/sincronizacion-distribuida/ricart-agrawala-peer/internal/cs"
	"github.com/sincronizacion-distribuida/ricart-agrawala-peer/internal/membership"
	"github.com/sincronizacion-distribuida/ricart-agrawala-peer/internal/metrics"
	"github.com/sincronizacion-distribuida/ricart-agrawala-peer/internal/registry"
	"github.com/sincronizacion-distribuida/ricart-agrawala-peer/internal/transport"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	peerCfg := config.PeerFromEnv()
	if peerCfg.Name == "" {
		fmt.Fprintln(os.Stderr, "usage: PEER_NAME=<name> ADVERTISE_URL=<url> peer")
		os.Exit(1)
	}
	timing := config.TimingFromEnv()
	plog := log.WithField("peer", peerCfg.Name)

	regClient := registry.NewClient(peerCfg.RegistryURL)
	trans := transport.NewHTTPTransport(regClient)
	metr := metrics.New(peerCfg.Name)

	table := membership.New(peerCfg.Name, peerCfg.Prefix, trans, membership.Config{
		HeartbeatInterval: timing.HeartbeatInterval,
		HeartbeatTimeout:  timing.HeartbeatTimeout,
		MonitorInterval:   timing.MonitorInterval,
	}, plog, membership.WithMetrics(metr))

	var auditor cs.Auditor = audit.Noop{}
	if peerCfg.AuditMongoURI != "" {
		ctx, cancel := context.WithTimeout(context.Background(), timing.MaxWaitTime)
		m, err := audit.Dial(ctx, peerCfg.AuditMongoURI, "ricart_agrawala", plog)
		cancel()
		if err != nil {
			plog.WithError(err).Warn("audit sink unavailable, continuing unaudited")
		} else {
			auditor = m
		}
	}

	node := cs.New(peerCfg.Name, trans, table, timing, plog, cs.WithAuditor(auditor), cs.WithMetrics(metr))

	table.SetEvictionListener(node)
	table.SetDeferredRemover(node)
	node.SetHeartbeatSink(table)
	node.SetEvictor(table)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	table.Start(ctx)
	defer table.Stop()

	if err := regClient.Register(context.Background(), peerCfg.Name, peerCfg.AdvertiseURL); err != nil {
		plog.WithError(err).Fatal("failed to register with name registry")
	}

	router := transport.NewRouter(node, plog)
	router.Handle("/metrics", promhttp.HandlerFor(metr.Registry, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: peerCfg.ListenAddr, Handler: router}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			plog.WithError(err).Fatal("inbound server exited")
		}
	}()
	plog.WithField("addr", peerCfg.ListenAddr).Info("peer started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		shutdown(regClient, peerCfg.Name)
		os.Exit(0)
	}()

	runMenu(node, table, regClient, peerCfg.Name)
}

// runMenu mirrors original_source/peer.py's start_peer loop: a numbered
// menu driving enter/exit/list/quit.
func runMenu(node *cs.Node, table *membership.Table, regClient *registry.Client, name string) {
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Printf("\n---> %s:\n", name)
		fmt.Println("1. Request resource")
		fmt.Println("2. Release resource")
		fmt.Println("3. List active peers")
		fmt.Println("4. Quit")
		fmt.Print("Choose an action: ")
		if !scanner.Scan() {
			return
		}
		choice := strings.TrimSpace(scanner.Text())

		switch choice {
		case "1":
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			ok := node.Enter(ctx)
			cancel()
			if ok {
				fmt.Println("Entered critical section.")
			} else {
				fmt.Println("Could not enter critical section.")
			}
		case "2":
			if node.Exit() {
				fmt.Println("Exited critical section.")
			} else {
				fmt.Println("Could not exit critical section (not held).")
			}
		case "3":
			fmt.Printf("Active peers: %v\n", table.Active())
		case "4":
			fmt.Println("Exiting...")
			shutdown(regClient, name)
			return
		default:
			fmt.Println("Invalid option (1 to 4)")
		}
	}
}

func shutdown(regClient *registry.Client, name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = regClient.Deregister(ctx, name)
}
