package main

import (
	"yield-pilot/internal/cli"
)

func main() {
	cli.Execute()
}
