package main

import "duckchat/cmd"

func main() {
	cmd.Execute()
}
