// Command acmeguardd runs the ACME certificate lifecycle manager as a
// standalone process: it loads a Config from disk, starts the Controller,
// and serves GetCertificate off the Dynamic Certificate Store until it
// receives a termination signal.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"

	"github.com/brnsn/acmeguard"
	"github.com/brnsn/acmeguard/certstore"
	"github.com/brnsn/acmeguard/controller"
	"github.com/brnsn/acmeguard/persistence"
)

func main() {
	var (
		dataDir    = flag.String("data-dir", "/var/lib/acmeguardd", "directory the Persistence Layer reads and writes")
		configPath = flag.String("config", "", "initial Config JSON to apply on startup; empty reapplies the last active.json")
		listenAddr = flag.String("listen", ":8443", "address the TLS health listener binds, serving certificates straight off the DCS")
		verbose    = flag.Bool("v", false, "include file:line in log output")
	)
	flag.Parse()

	if *verbose {
		log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	}

	if err := run(*dataDir, *configPath, *listenAddr); err != nil {
		log.Fatalln("acmeguardd:", err)
	}
}

func run(dataDir, configPath, listenAddr string) error {
	store := certstore.New()
	persist := persistence.New(dataDir)
	ctrl := controller.New(store, persist)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := startController(ctx, ctrl, configPath); err != nil {
		return errors.Wrap(err, "failed to start controller")
	}

	ln, err := tls.Listen("tcp", listenAddr, &tls.Config{GetCertificate: store.GetCertificate})
	if err != nil {
		return errors.Wrapf(err, "failed to bind TLS listener on %s", listenAddr)
	}
	defer ln.Close()

	go serve(ln)

	log.Println("acmeguardd: controller", ctrl.State(), "serving", listenAddr, "from", dataDir)

	await(ctx)
	return nil
}

// serve accepts connections off ln purely to exercise the DCS' SNI selector
// per handshake; acmeguardd has no application protocol of its own.
func serve(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Close()
	}
}

// startController applies configPath, if given, otherwise replays the last
// persisted active.json against itself per controller.Start.
func startController(ctx context.Context, ctrl *controller.Controller, configPath string) error {
	if configPath == "" {
		return ctrl.Start(ctx)
	}

	raw, err := os.ReadFile(configPath)
	if err != nil {
		return errors.Wrapf(err, "failed to read config %s", configPath)
	}

	conf, err := acmeguard.UnmarshalConfig(raw)
	if err != nil {
		return errors.Wrapf(err, "failed to parse config %s", configPath)
	}

	return ctrl.StartWith(ctx, conf)
}

// await blocks until the process receives SIGINT or SIGTERM.
func await(ctx context.Context) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case s := <-sig:
		log.Println("acmeguardd: received", s, "shutting down")
	case <-ctx.Done():
	}
}
