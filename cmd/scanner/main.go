// Command scanner runs the counter-side scan loop against a slipgate
// gateway. Decoded slip codes are read one per line from stdin, which is the
// shape a handheld QR scanner in keyboard-wedge mode produces.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"slipgate.org/internal/config"
	"slipgate.org/internal/scan"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	token := os.Getenv("SLIPGATE_TOKEN")
	if token == "" {
		log.Fatal("SLIPGATE_TOKEN is required")
	}

	scannerID := cfg.ScannerID
	if scannerID == "" {
		scannerID = uuid.NewString()
	}

	client := scan.NewClient(cfg.GatewayURL, token, scannerID)
	loop := scan.New(
		scan.NewReaderSource(os.Stdin),
		client,
		scan.WithCooldown(cfg.ScanCooldown),
		scan.WithStatusFunc(func(msg string) { fmt.Println(msg) }),
	)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		<-stop
		cancel()
	}()

	log.Printf("Scanner %s submitting to %s", scannerID, cfg.GatewayURL)

	err = loop.Run(ctx)
	switch {
	case err == nil, errors.Is(err, context.Canceled), errors.Is(err, io.EOF):
	case errors.Is(err, scan.ErrNoDevice):
		log.Fatal("no capture device available")
	default:
		log.Fatalf("scan loop: %v", err)
	}
}
