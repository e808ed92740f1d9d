package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/daybook/recordsync/pkg/recordsync"
)

func main() {
	// Interrupts end the run command gracefully.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := recordsync.Main(ctx, os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}
