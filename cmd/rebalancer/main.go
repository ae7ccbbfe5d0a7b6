package main

import "liquidity-rebalancer/internal/cli"

func main() {
	cli.Execute()
}
