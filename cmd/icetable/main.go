package main

import "github.com/florinutz/icetable/cmd"

func main() {
	cmd.Execute()
}
