package main

import "spectyra/internal/gateway"

func main() {
	gateway.Run()
}
