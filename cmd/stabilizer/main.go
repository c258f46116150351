package main

import "peg-stabilizer/internal/cli"

func main() {
	cli.Execute()
}
