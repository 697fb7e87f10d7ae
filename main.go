package main

import "github.com/dnl0037/db-migrations/cmd"

func main() {
	cmd.Execute()
}
