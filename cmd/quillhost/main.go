// Package main is the entry point for the quillhost plugin host.
package main

import (
	"context"
	"os"

	"github.com/dshills/quillhost/internal/cli"
)

func main() {
	os.Exit(cli.Execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}
