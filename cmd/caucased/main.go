package main

import "github.com/jmcleod/caucase/cmd/caucased/cmd"

func main() {
	cmd.Execute()
}
