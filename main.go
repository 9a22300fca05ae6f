package main

import "taxflow/cmd"

func main() {
	cmd.Execute()
}
