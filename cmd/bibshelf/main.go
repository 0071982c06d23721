package main

import (
	"os"

	"horse.fit/bibshelf/internal/app"
)

func main() {
	os.Exit(app.Run(os.Args[1:]))
}
