package main

import (
	"os"

	"chatbridge/backend/internal/app"
)

func main() {
	os.Exit(app.Run())
}
