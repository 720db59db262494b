package main

import (
	"codesync/cli/cmd"
	"codesync/sandbox"
)

func main() {
	sandbox.Init()
	cmd.Execute()
}
