package main

import (
	"os"

	"github.com/formwarden/formwarden/cmd/wardenctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
