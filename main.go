package main

import (
	"os"

	"github.com/packd-dev/packd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
