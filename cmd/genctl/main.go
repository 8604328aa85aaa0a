// Command genctl is the operator CLI for the generation service: credit
// grants, job inspection and manual recovery against the service database.
package main

import (
	"os"
)

func main() {
	root, cleanup := newRootCmd()
	err := root.Execute()
	cleanup()
	if err != nil {
		os.Exit(1)
	}
}
