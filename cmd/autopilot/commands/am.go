package commands

import (
	"encoding/json"
	"fmt"

	"github.com/pelletier/go-toml/v2"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/contentops/autopilot/am"
	"github.com/contentops/autopilot/errors"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: "Show or initialise configuration",
	Long: `am - autopilot configuration

Configuration sources (in order of precedence):
1. Environment variables (AUTOPILOT_* prefix, e.g. AUTOPILOT_SERVER_PORT)
2. Project config (./autopilot.toml, searched upward)
3. User config (~/.autopilot/config.toml)
4. System config (/etc/autopilot/config.toml)
5. Default values

Examples:
  autopilot am show                  # Effective configuration as TOML
  autopilot am show --format json
  autopilot am show --sources        # Where every setting came from
  autopilot am init                  # Write ./autopilot.toml with defaults`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE:  runAmShow,
}

var amInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with default settings",
	RunE:  runAmInit,
}

var (
	configFormat string
	showSources  bool
	initPath     string
	initForce    bool
)

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json")
	amShowCmd.Flags().BoolVar(&showSources, "sources", false, "Show each setting with its source")
	amInitCmd.Flags().StringVar(&initPath, "path", "autopilot.toml", "Where to write the file")
	amInitCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing file (a backup is kept)")

	AmCmd.AddCommand(amShowCmd, amInitCmd)
}

// redacted hides API keys in printed config.
func redacted(cfg *am.Config) am.Config {
	out := *cfg
	for _, ep := range []*am.EndpointConfig{&out.Providers.Keyword, &out.Providers.Content, &out.Providers.Publish} {
		if ep.APIKey != "" {
			ep.APIKey = "********"
		}
	}
	return out
}

func runAmShow(cmd *cobra.Command, args []string) error {
	if showSources {
		settings := am.Introspect()
		rows := make([][]string, 0, len(settings))
		for _, s := range settings {
			rows = append(rows, []string{s.Key, fmt.Sprint(s.Value), string(s.Source), s.SourcePath})
		}
		return renderTable([]string{"KEY", "VALUE", "SOURCE", "FROM"}, rows)
	}

	cfg := redacted(current)
	switch configFormat {
	case "json":
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to JSON")
		}
		fmt.Println(string(data))
	case "toml":
		data, err := toml.Marshal(cfg)
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to TOML")
		}
		fmt.Printf("# autopilot configuration\n%s", string(data))
	default:
		return errors.NewInvalidRequestError("unsupported format: %s (supported: toml, json)", configFormat)
	}
	return nil
}

func runAmInit(cmd *cobra.Command, args []string) error {
	if err := am.WriteDefault(initPath, initForce); err != nil {
		return err
	}
	pterm.Success.Printfln("Wrote default configuration to %s", initPath)
	return nil
}
