package main

import (
	"os"

	"github.com/voratiq/voratiq/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
