package main

import "github.com/zjrosen/labelpanel/cmd"

func main() {
	cmd.Execute()
}
