package main

import "github.com/intelboard/intelboard/pkg/cli"

func main() {
	cli.Execute()
}
