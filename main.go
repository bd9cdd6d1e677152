package main

import "github.com/kozaktomas/face-pipeline/cmd"

func main() {
	cmd.Execute()
}
