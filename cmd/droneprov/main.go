package main

import "github.com/skyfleet/droneprov/cmd/droneprov/cmd"

func main() {
	cmd.Execute()
}
