// Command groupsctl runs the aggregation engine from the command line for
// operators: compiling rosters, exporting categories and minting sessions.
package main

import "os"

func main() {
	os.Exit(execute())
}
