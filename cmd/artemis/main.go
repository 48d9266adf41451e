package main

import "github.com/redmage123/artemis-sub002/cmd/artemis/cli"

func main() {
	cli.Execute()
}
