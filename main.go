package main

import "github.com/jjenkins/billsync/cmd"

func main() {
	cmd.Execute()
}
