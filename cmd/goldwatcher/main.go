package main

import (
	_ "time/tzdata"

	"gold-price-alerts/internal/cli"
)

func main() {
	cli.Execute()
}
