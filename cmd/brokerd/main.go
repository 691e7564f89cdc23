// Package main is the entry point for brokerd, the standalone MQTT broker.
//
// Usage:
//
//	brokerd [flags] <command> [args]
//
// Commands:
//
//	serve            Run the broker
//	config validate  Validate the TOML config file
//	version          Show version information
package main

import (
	"fmt"
	"os"

	"github.com/nimbusmq/broker/cmd/brokerd/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
