package main

import (
	"os"

	"github.com/remote-agent-terminal/sessionhub/cmd/sessionhub/commands"
)

var version = "dev"

func main() {
	if err := commands.Execute(version); err != nil {
		os.Exit(1)
	}
}
