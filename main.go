package main

import (
	"github.com/metal-toolbox/sbcflash/cmd"
)

func main() {
	cmd.Execute()
}
