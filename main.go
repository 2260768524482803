package main

import (
	"os"

	"github.com/conneroisu/contentlayer/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
