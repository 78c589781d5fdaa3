package main

import "github.com/citypulse/trafficflow/cmd"

func main() {
	cmd.Execute()
}
