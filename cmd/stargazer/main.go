package main

import "github.com/marcus/stargazer/cmd/stargazer/commands"

func main() {
	commands.Execute()
}
