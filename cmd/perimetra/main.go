package main

import "github.com/perimetra/perimetra/cmd/perimetra/commands"

func main() {
	commands.Execute()
}
