package main

import "github.com/agentic-research/pokefs/cmd"

func main() {
	cmd.Execute()
}
