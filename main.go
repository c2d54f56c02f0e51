package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stmon/internal/discovery"

	"github.com/gordonklaus/portaudio"
	flag "github.com/spf13/pflag"
)

const clientVersion = "0.3.0"

func main() {
	var (
		serverAddr   = flag.StringP("server", "s", "", "transceiver server address (host, host:port, or stmon:// link)")
		outputDevice = flag.Int("output-device", -1, "audio output device index (-1 = system default)")
		volume       = flag.Float64("volume", -1, "receive monitor volume 0.0-1.0 (overrides saved config)")
		listDevices  = flag.Bool("list-devices", false, "list audio output devices and exit")
		discover     = flag.Bool("discover", false, "browse the LAN for servers via mDNS and exit")
		showVersion  = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("stmon", clientVersion)
		return
	}

	if *discover {
		servers, err := discovery.Browse(3 * time.Second)
		if err != nil {
			log.Fatalf("[main] discover: %v", err)
		}
		if len(servers) == 0 {
			fmt.Println("no servers found")
			return
		}
		for _, s := range servers {
			fmt.Printf("%s\t%s\n", s.Name, s.Addr())
		}
		return
	}

	if err := portaudio.Initialize(); err != nil {
		log.Fatalf("[main] portaudio init: %v", err)
	}
	defer portaudio.Terminate()

	cfg := LoadConfig()
	if *outputDevice >= 0 {
		cfg.OutputDeviceID = *outputDevice
	}
	if *volume >= 0 {
		cfg.Volume = *volume
	}

	app := NewApp(cfg)
	app.ApplyConfig(cfg)

	if *listDevices {
		for _, d := range app.engine.ListOutputDevices() {
			fmt.Printf("%3d  %s\n", d.ID, d.Name)
		}
		return
	}

	addr := *serverAddr
	if addr == "" && len(cfg.Servers) > 0 {
		addr = cfg.Servers[0].Addr
	}
	if addr == "" {
		// Nothing configured — fall back to mDNS and take the first answer.
		servers, err := discovery.Browse(3 * time.Second)
		if err != nil || len(servers) == 0 {
			log.Fatal("[main] no server address: pass --server, add one to the config file, or run a server on the LAN")
		}
		addr = servers[0].Addr()
		log.Printf("[main] discovered %s at %s", servers[0].Name, addr)
	}

	if err := app.Connect(context.Background(), addr); err != nil {
		log.Fatalf("[main] connect: %v", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	app.Disconnect()
}
