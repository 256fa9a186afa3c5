package main

import "github.com/kushin77/GCP-landing-zone-Portal-sub002/services/runner/cli"

func main() {
	cli.Execute()
}
