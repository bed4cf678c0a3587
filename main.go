package main

import "github.com/Davincible/modelbridge/cmd"

func main() {
	cmd.Execute()
}
