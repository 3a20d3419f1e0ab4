package main

import (
	"os"

	"github.com/villamira/availd/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
