package main

import "tick-feed-supervisor/internal/cli"

func main() {
	cli.Execute()
}
