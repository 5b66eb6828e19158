package main

import "github.com/MeKo-Tech/tilefetch/internal/cmd"

func main() {
	cmd.Execute()
}
