package main

import "github.com/stephnangue/granter/cmd"

func main() {
	cmd.Execute()
}
