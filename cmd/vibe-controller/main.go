package main

import "github.com/bjsi/vibe-controller/internal/cli"

func main() {
	cli.Execute()
}
