package main

import "github.com/foremanlabs/foreman/internal/cmd"

func main() {
	cmd.Execute()
}
