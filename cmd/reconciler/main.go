package main

import "github.com/kushin77/GCP-landing-zone-Portal-sub002/services/reconciler/cli"

func main() {
	cli.Execute()
}
