// The main package for the crawlmux executable.
package main

import (
	"github.com/crawlmux/crawlmux/cmd"
)

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
