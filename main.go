package main

import "github.com/ValentinKolb/willow/cmd"

func main() {
	cmd.Execute()
}
