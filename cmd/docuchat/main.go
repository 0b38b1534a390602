package main

import (
	"fmt"
	"os"
)

// Version information (set via ldflags)
var Version = "dev"

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
