package main

import "github.com/edgeflare/livemq/cmd/livemq"

func main() {
	livemq.Main()
}
