package main

import (
	"os"

	"github.com/adalundhe/toolrt/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
