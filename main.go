package main

import "github.com/tilezen/joerd/internal/cmd"

func main() {
	cmd.Execute()
}
