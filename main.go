package main

import "github.com/arcward/modclaim/cmd"

func main() {
	cmd.Execute()
}
