// Command policyledger manages event-sourced compliance policies.
package main

import "github.com/Sentinel-Gate/policyledger/cmd/policyledger/cmd"

func main() {
	cmd.Execute()
}
