// Command cache-audit samples, audits and compacts sharded key-value caches.
package main

import (
	"fmt"
	"os"

	"github.com/eunmann/cache-audit/internal/cli"
)

func main() {
	if err := cli.Run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
