package main

import "github.com/nextlevelbuilder/zapbridge/cmd"

func main() {
	cmd.Execute()
}
