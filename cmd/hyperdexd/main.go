// Command hyperdexd runs one physical server's share of a HyperDex cluster:
// every virtual server the coordinator has assigned to this server's
// identity, each backed by its own replication.Manager, storage engine, and
// chain/client listeners.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
