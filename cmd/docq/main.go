// Command docq reads and writes documents in a MongoDB, DynamoDB or in-memory store.
package main

import (
	"github.com/nimburion/docorm/pkg/cli"
)

func main() {
	cli.Execute(cli.NewCommand(cli.CommandOptions{
		Name:        "docq",
		Description: "Query and modify documents through the docorm repository layer",
	}))
}
