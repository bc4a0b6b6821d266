package main

import "github.com/fortuna/nhlcrawler/internal/cli"

func main() {
	cli.Main()
}
