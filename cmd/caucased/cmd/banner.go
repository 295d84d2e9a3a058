package cmd

import (
	"fmt"
)

// Version is set at build time with -ldflags "-X ...cmd.Version=...".
var Version = "dev"

const banner = `
   ___ __ _ _   _  ___ __ _ ___  ___  __| |
  / __/ _` + "`" + ` | | | |/ __/ _` + "`" + ` / __|/ _ \/ _` + "`" + ` |
 | (_| (_| | |_| | (_| (_| \__ \  __/ (_| |
  \___\__,_|\__,_|\___\__,_|___/\___|\__,_|
`

func printBanner() {
	fmt.Printf("\x1b[34m%s\x1b[0m", banner)
	fmt.Printf("\x1b[32m  Self-renewing Certificate Authority - Version %s\x1b[0m\n\n", Version)
}
