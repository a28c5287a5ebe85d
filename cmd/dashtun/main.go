package main

import (
	"os"

	"github.com/specdash/dashtun/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
