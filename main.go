package main

import (
	"github.com/n0rdy/kbq/cmd"
)

func main() {
	cmd.Execute()
}
