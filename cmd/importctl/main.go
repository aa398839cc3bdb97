package main

import (
	"os"

	"github.com/maneesh/labimport/cmd/importctl/commands"
)

func main() {
	if err := commands.NewRootCmd(commands.OpenApp).Execute(); err != nil {
		os.Exit(1)
	}
}
