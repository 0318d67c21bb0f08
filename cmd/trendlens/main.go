package main

import "trendlens/cmd/handlers"

func main() {
	handlers.Execute()
}
