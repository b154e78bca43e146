package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/kitpack/catalog"
	"github.com/pithecene-io/kitpack/cli/render"
	"github.com/pithecene-io/kitpack/iox"
)

// CatalogStatsResponse describes the SQLite catalog.
type CatalogStatsResponse struct {
	Path        string `json:"path" yaml:"path"`
	Bundles     int    `json:"bundles" yaml:"bundles"`
	Assets      int    `json:"assets" yaml:"assets"`
	ReadyAssets int    `json:"ready_assets" yaml:"ready_assets"`
	Sessions    int    `json:"sessions" yaml:"sessions"`
}

// CatalogCommand returns the catalog command group.
func CatalogCommand() *cli.Command {
	return &cli.Command{
		Name:  "catalog",
		Usage: "Manage the SQLite bundle catalog",
		Subcommands: []*cli.Command{
			{
				Name:      "import",
				Usage:     "Import bundles, assets, and sessions from a YAML snapshot",
				ArgsUsage: "<snapshot.yaml>",
				Flags:     append([]cli.Flag{ConfigFlag, CatalogFlag}, ReadOnlyFlags()...),
				Action:    catalogImportAction,
			},
			{
				Name:   "stats",
				Usage:  "Show catalog row counts",
				Flags:  append([]cli.Flag{ConfigFlag, CatalogFlag}, ReadOnlyFlags()...),
				Action: catalogStatsAction,
			},
		},
	}
}

func catalogImportAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("catalog import requires exactly one <snapshot.yaml>", exitError)
	}
	snap, err := catalog.LoadSnapshot(c.Args().First())
	if err != nil {
		return cli.Exit(err.Error(), exitError)
	}

	return withCatalog(c, func(r *render.Renderer, store *catalog.SQLiteStore) error {
		if err := store.Import(c.Context, snap); err != nil {
			return cli.Exit(fmt.Sprintf("import: %v", err), exitError)
		}
		return renderStats(c, r, store)
	})
}

func catalogStatsAction(c *cli.Context) error {
	return withCatalog(c, func(r *render.Renderer, store *catalog.SQLiteStore) error {
		return renderStats(c, r, store)
	})
}

// withCatalog opens the configured SQLite catalog for fn. The memory
// backend has nothing to manage.
func withCatalog(c *cli.Context, fn func(*render.Renderer, *catalog.SQLiteStore) error) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return cli.Exit(err.Error(), exitError)
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if cfg.Catalog.Backend != "sqlite" {
		return cli.Exit(fmt.Sprintf("catalog commands need the sqlite backend, got %q", cfg.Catalog.Backend), exitConfig)
	}

	store, err := catalog.OpenSQLite(c.Context, cfg.Catalog.Path)
	if err != nil {
		return cli.Exit(err.Error(), exitError)
	}
	defer iox.DiscardClose(store)
	return fn(r, store)
}

func renderStats(c *cli.Context, r *render.Renderer, store *catalog.SQLiteStore) error {
	st, err := store.Stats(c.Context)
	if err != nil {
		return cli.Exit(err.Error(), exitError)
	}
	return r.Render(CatalogStatsResponse{
		Path:        store.Path(),
		Bundles:     st.Bundles,
		Assets:      st.Assets,
		ReadyAssets: st.ReadyAssets,
		Sessions:    st.Sessions,
	})
}
