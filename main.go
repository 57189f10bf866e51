package main

import "github.com/audiolibrelab/jamsync/cmd"

func main() {
	cmd.Execute()
}
