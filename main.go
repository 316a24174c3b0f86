package main

import "github.com/carlbeek/gasdivergence/cmd"

func main() {
	cmd.Execute()
}
