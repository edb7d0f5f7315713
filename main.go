package main

import "github.com/lepinkainen/gutenzim/cmd"

var execute = cmd.Execute

func main() {
	execute()
}
