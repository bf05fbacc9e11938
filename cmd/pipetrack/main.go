package main

import "github.com/veleda/pipetrack/cmd/pipetrack/cli"

func main() {
	cli.Execute()
}
