// zinoctl is the command line client for the zino daemon. It speaks the
// legacy line protocol over TCP.
package main

import "github.com/dantte-lp/gozino/cmd/zinoctl/commands"

func main() {
	commands.Execute()
}
