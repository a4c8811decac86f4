package main

import "github.com/audiolibrelab/sessionstate/cmd"

func main() {
	cmd.Execute()
}
