// Command darc crawls clear web, Tor, I2P, ZeroNet and Freenet sites given as
// arguments, archiving every response under its configured data root.
package main

import cmd "github.com/rohmanhakim/darc-crawler/internal/cli"

func main() {
	cmd.Execute()
}
