package main

import "github.com/IKRedHat/webhook-gateway/cmd"

func main() {
	cmd.Execute()
}
