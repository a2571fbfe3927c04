// Package defaults provides embedded starter files for the banter init
// subcommand: an example config, a system prompt and the example
// exchanges pinned ahead of the conversation.
package defaults

import _ "embed"

// ConfigYAML is the example configuration file.
//
//go:embed config.example.yaml
var ConfigYAML []byte

// SystemPrompt is the default plain-text system prompt.
//
//go:embed system.txt
var SystemPrompt []byte

// BaseTurns is the default JSON array of example turns.
//
//go:embed base.json
var BaseTurns []byte

// SummaryTurns is the prefix used when summarizing a debate.
//
//go:embed summary.json
var SummaryTurns []byte
