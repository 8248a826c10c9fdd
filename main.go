// The main package for the spindle executable.
package main

import "github.com/spindleworks/spindle/cmd"

func main() {
	cmd.Execute()
}
