package main

import "github.com/arcward/gptcord/cmd"

func main() {
	cmd.Execute()
}
