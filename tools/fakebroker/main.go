// Package main implements fakebroker — a deterministic AMQP 1.0 responder
// for integration testing of client connection engines. It speaks just enough
// of the protocol to carry a client through SASL negotiation, the open
// exchange, session begin/end, and an orderly close, with failure-injection
// knobs for the paths a well-behaved broker never exercises.
package main

import (
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joeshaw/envdecode"
)

// envConfig carries the environment defaults; flags override them.
type envConfig struct {
	Addr        string `env:"FAKEBROKER_ADDR,default=127.0.0.1:25672"`
	AdminAddr   string `env:"FAKEBROKER_ADMIN_ADDR,default="`
	ContainerID string `env:"FAKEBROKER_CONTAINER_ID,default=fakebroker"`
	Mechanisms  string `env:"FAKEBROKER_MECHANISMS,default=ANONYMOUS"`
}

var (
	flagAddr        = flag.String("addr", "", "listen address (overrides FAKEBROKER_ADDR)")
	flagAdminAddr   = flag.String("admin", "", "admin API listen address (overrides FAKEBROKER_ADMIN_ADDR)")
	flagContainerID = flag.String("container-id", "", "container-id advertised in the open frame")
	flagMechanisms  = flag.String("mechanisms", "", "comma-separated SASL mechanisms to advertise")
	flagOutcome     = flag.Int("outcome", 0, "SASL outcome code sent to every client (0=ok, 1=auth)")
	flagMaxFrame    = flag.Int("max-frame-size", 0, "max-frame-size advertised in the open frame (0=omit)")
	flagBadVersion  = flag.Bool("bad-version", false, "answer the AMQP header with an unsupported version")
	flagStallOpen   = flag.Duration("stall-open", 0, "delay before answering the client's open frame")
	flagDropSASL    = flag.Bool("drop-after-sasl", false, "drop the connection right after the SASL outcome")
	flagLogConn     = flag.Bool("log-conn", true, "log connect/disconnect events")
)

func main() {
	var env envConfig
	if err := envdecode.Decode(&env); err != nil {
		log.Fatalf("fakebroker: bad environment: %v", err)
	}
	flag.Parse()

	addr := pick(*flagAddr, env.Addr)
	adminAddr := pick(*flagAdminAddr, env.AdminAddr)
	cfg := responderConfig{
		containerID:   pick(*flagContainerID, env.ContainerID),
		mechanisms:    strings.Split(pick(*flagMechanisms, env.Mechanisms), ","),
		outcomeCode:   byte(*flagOutcome),
		maxFrameSize:  uint32(*flagMaxFrame),
		badVersion:    *flagBadVersion,
		stallOpen:     *flagStallOpen,
		dropAfterSASL: *flagDropSASL,
		logConn:       *flagLogConn,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("fakebroker: listen %s: %v", addr, err)
	}
	log.Printf("fakebroker: listening on %s", listener.Addr())
	startAdminServer(adminAddr)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-stop
		log.Printf("fakebroker: received %v, shutting down", sig)
		listener.Close()
	}()

	serve(listener, cfg)
}

func serve(listener net.Listener, cfg responderConfig) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if !isClientGone(err) {
				log.Printf("fakebroker: accept: %v", err)
			}
			return
		}
		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(true)
			_ = tcp.SetKeepAlive(true)
			_ = tcp.SetKeepAlivePeriod(30 * time.Second)
		}
		go handleConnection(conn, cfg)
	}
}

func pick(flagValue, envValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return envValue
}
