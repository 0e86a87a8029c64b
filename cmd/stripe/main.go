package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jacktea/dirstripe/pkg/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli.Execute(ctx, cli.NewRootCommand(os.Stderr), os.Args[1:], os.Stderr)
	stop()
	os.Exit(code)
}
