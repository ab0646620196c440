package main

import "github.com/joho/godotenv"

func main() {
	// Load env if it exists
	_ = godotenv.Load()

	Execute()
}
