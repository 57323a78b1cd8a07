// Command surrealsync runs the bidirectional replication engine and offers
// maintenance commands for its persisted state.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
