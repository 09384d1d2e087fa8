package main

import "github.com/kaselby/aleph-harness/cmd"

func main() {
	cmd.Execute()
}
