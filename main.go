package main

import "github.com/geekxflood/snmproxy/cmd"

func main() {
	cmd.Execute()
}
