package main

import (
	"os"

	"github.com/saurav-z/aether-chat/cmd/meshctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
