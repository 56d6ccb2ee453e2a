package main

import "github.com/joth76/hafnium-verification/cmd/hafnium/cmd"

func main() {
	cmd.Execute()
}
