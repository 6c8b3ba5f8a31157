package main

import "github.com/bundlekit/bundlekit/cmd"

func main() {
	cmd.Execute()
}
