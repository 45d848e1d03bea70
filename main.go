package main

import "github.com/kestrel-dl/kestrel/cmd"

func main() {
	cmd.Execute()
}
