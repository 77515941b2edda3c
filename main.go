package main

import "github.com/audiolibrelab/voicecheck/cmd"

func main() {
	cmd.Execute()
}
