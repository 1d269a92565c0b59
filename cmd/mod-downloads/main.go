package main

import "go-mod-downloads/cmd/mod-downloads/cmd"

func main() {
	cmd.Execute()
}
