package main

import (
	"example.com/modelgate/cmd"
)

func main() {
	cmd.Execute()
}
