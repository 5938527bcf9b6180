package main

import "modqueue/internal/cli"

func main() {
	cli.Execute()
}
