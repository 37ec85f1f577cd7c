package main

import "github.com/freewahq/freewa/cmd"

func main() {
	cmd.Execute()
}
