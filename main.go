// sid is the campaign runner control plane: it loads declarative campaign
// definitions, evaluates their triggers, dispatches work to agents or the
// tool gateway, and files the outcomes as durable forge artifacts.
package main

import "github.com/sidlabs/sid/cmd"

func main() {
	cmd.Execute()
}
