package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/kitpack/cli/render"
	"github.com/pithecene-io/kitpack/types"
)

// VersionResponse is the response for the version command.
type VersionResponse struct {
	Version      string `json:"version" yaml:"version"`
	AuditVersion string `json:"audit_contract_version" yaml:"audit_contract_version"`
	Commit       string `json:"commit" yaml:"commit"`
}

// VersionCommand returns the version command. It opens no catalog or
// network connection.
func VersionCommand(commit string) *cli.Command {
	return &cli.Command{
		Name:   "version",
		Usage:  "Show version information",
		Flags:  ReadOnlyFlags(),
		Action: versionAction(commit),
	}
}

func versionAction(commit string) cli.ActionFunc {
	return func(c *cli.Context) error {
		r, err := render.NewRenderer(c)
		if err != nil {
			return cli.Exit(err.Error(), exitError)
		}
		return r.Render(VersionResponse{
			Version:      types.Version,
			AuditVersion: types.AuditContractVersion,
			Commit:       commit,
		})
	}
}
