package main

import (
	"os"

	"agent-queue/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
