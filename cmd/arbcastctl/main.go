// Arbcastctl is the CLI client for the arbcast daemon's admin API.
package main

import "github.com/dantte-lp/arbcast/cmd/arbcastctl/commands"

func main() {
	commands.Execute()
}
