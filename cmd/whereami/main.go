package main

import "github.com/ukydev/whereami/cmd/whereami/command"

func main() {
	command.Execute()
}
