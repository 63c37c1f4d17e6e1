package main

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/comzine/acp/pkg/types/protocol"
)

var schemaCmd = &cobra.Command{
	Use:   "schema [document]",
	Short: "Print the JSON Schema of a protocol document",
	Long: `Print the JSON Schema of one of the protocol documents, for validating
reports, events and artifacts produced by workers in other languages.

Documents: table, report, event, session

Example:
  acp schema report > report.schema.json`,
	Args: cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		schema, err := schemaFor(args[0])
		if err != nil {
			return err
		}

		data, err := json.MarshalIndent(schema, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	},
}

func schemaFor(document string) (*jsonschema.Schema, error) {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}

	switch document {
	case "table":
		return reflector.Reflect(&protocol.Table{}), nil
	case "report":
		return reflector.Reflect(&protocol.Report{}), nil
	case "event":
		return reflector.Reflect(&protocol.Event{}), nil
	case "session":
		return reflector.Reflect(&protocol.SessionMeta{}), nil
	default:
		return nil, errors.Errorf("unknown document %q, expected table, report, event or session", document)
	}
}

func init() {
	rootCmd.AddCommand(schemaCmd)
}
