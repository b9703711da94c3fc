package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sbl8/hostrt/catalog"
	"github.com/sbl8/hostrt/model"
)

func (a *app) openCatalog() (*catalog.Catalog, error) {
	if a.cfg.CatalogDir == "" {
		a.logger.Warn("catalog_dir is empty, using an in-memory catalog")
	}
	return catalog.Open(a.cfg.CatalogDir, a.logger)
}

// withCatalog opens the catalog around fn.
func (a *app) withCatalog(fn func(*catalog.Catalog) error) error {
	c, err := a.openCatalog()
	if err != nil {
		return err
	}
	if err := fn(c); err != nil {
		_ = c.Close()
		return err
	}
	return c.Close()
}

func newCatalogCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Manage the program catalog",
	}

	var name string
	put := &cobra.Command{
		Use:   "put <program>",
		Short: "Store a program file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := model.Load(args[0])
			if err != nil {
				return err
			}
			if name != "" {
				p.Name = name
			}
			return a.withCatalog(func(c *catalog.Catalog) error {
				fp, err := c.Put(p)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", p.Name, fp)
				return nil
			})
		},
	}
	put.Flags().StringVar(&name, "name", "", "store under this name instead of the program's own")

	get := &cobra.Command{
		Use:   "get <name> <output>",
		Short: "Verify a stored program and write it to a file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withCatalog(func(c *catalog.Catalog) error {
				p, fp, err := c.Get(args[0])
				if err != nil {
					return err
				}
				if err := p.Save(args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s -> %s\n", args[0], fp.Short(), args[1])
				return nil
			})
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List stored programs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withCatalog(func(c *catalog.Catalog) error {
				entries, err := c.List()
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "NAME\tBYTES\tFINGERPRINT")
				for _, e := range entries {
					fp := e.Fingerprint.String()
					if e.Fingerprint == (catalog.Fingerprint{}) {
						fp = "CORRUPT"
					} else if isTerminal(cmd.OutOrStdout()) {
						fp = e.Fingerprint.Short()
					}
					fmt.Fprintf(tw, "%s\t%d\t%s\n", e.Name, e.Size, fp)
				}
				return tw.Flush()
			})
		},
	}

	rm := &cobra.Command{
		Use:     "rm <name>",
		Aliases: []string{"delete"},
		Short:   "Remove a stored program",
		Args:    cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return a.withCatalog(func(c *catalog.Catalog) error {
				return c.Delete(args[0])
			})
		},
	}

	cmd.AddCommand(put, get, list, rm)
	return cmd
}
