package main

import (
	"os"

	"github.com/dealbrain/dealbrain/cmd/dealbrain/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
