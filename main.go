package main

import "github.com/lanternworks/agentrelay/cmd"

func main() {
	cmd.Execute()
}
