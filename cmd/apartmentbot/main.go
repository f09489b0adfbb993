package main

import "github.com/apartmentbotsystem/apartmentbotsystem-sub001/cmd/cli"

func main() {
	cli.Execute()
}
