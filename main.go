package main

import "bulk-distance/internal/cli"

func main() {
	cli.Execute()
}
