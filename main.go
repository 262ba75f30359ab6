package main

import (
	"virtual-drop-alerts/internal/cli"
)

func main() {
	cli.Execute()
}
