package main

import (
	"os"

	"hedge-core/cmd/hedgecore/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
