package main

import "github.com/vietddude/marketfetch/internal/cli"

func main() {
	cli.Execute()
}
