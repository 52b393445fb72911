package main

import "perfwatch/internal/cli"

func main() {
	cli.Execute()
}
