// Command cc33sim runs the cc33xx control plane against simulated firmware.
//
// It brings up the interfaces of a YAML scenario, pushes traffic through the
// TX admission path, injects faults and records everything the device reports
// to a CBOR trace that the decode subcommand prints back.
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
