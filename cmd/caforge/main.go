package main

import "github.com/caforge/caforge/cmd/caforge/cmd"

func main() {
	cmd.Execute()
}
