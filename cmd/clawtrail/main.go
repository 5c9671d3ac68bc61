package main

import "github.com/ppiankov/clawtrail/internal/cli"

func main() {
	cli.Execute()
}
