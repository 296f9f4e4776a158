package main

import "github.com/tanq16/fragdl/cmd"

func main() {
	cmd.Execute()
}
