package main

import "github.com/nextlevelbuilder/agentmgr/cmd"

func main() {
	cmd.Execute()
}
