package main

import (
	"os"

	"github.com/unkn0wn-root/swcache/internal/cli"
)

func main() {
	os.Exit(cli.Run())
}
