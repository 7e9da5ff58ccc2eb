package main

import "github.com/openaccel/boardflash/cmd/boardflash/cmd"

func main() {
	cmd.Execute()
}
