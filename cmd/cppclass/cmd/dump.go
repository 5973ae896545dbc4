/*
Copyright © 2023-2026 binrec

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"fmt"
	"sort"
	"sync"

	"github.com/apex/log"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/binrec/cppclass/internal/config"
	"github.com/binrec/cppclass/pkg/hierarchy"
	"github.com/binrec/cppclass/pkg/program"
	"github.com/binrec/cppclass/pkg/typeinfo"
	"github.com/binrec/cppclass/pkg/vtable"
)

func init() {
	rootCmd.AddCommand(dumpCmd)

	dumpCmd.Flags().StringP("class", "c", "", "Only dump the named class")
	viper.BindPFlag("dump.class", dumpCmd.Flags().Lookup("class"))
}

// dumpCmd represents the dump command
var dumpCmd = &cobra.Command{
	Use:           "dump <SNAPSHOT>",
	Short:         "Dump reconstructed class layouts and virtual function tables",
	Args:          cobra.ExactArgs(1),
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if Verbose {
			log.SetLevel(log.DebugLevel)
		}
		color.NoColor = !viper.GetBool("color")

		cfg, err := config.LoadConfig()
		if err != nil {
			return err
		}
		db, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		prog, err := program.LoadSnapshot(args[0])
		if err != nil {
			return err
		}
		reg, err := typeinfo.NewRegistry(db, prog)
		if err != nil {
			return err
		}
		vt := vtable.NewModel(db, reg, prog)
		res := hierarchy.NewResolver(reg, vt)
		reg.SetBuilder(hierarchy.NewBuilder(reg, res, vt, prog).Build)

		var classes []*typeinfo.ClassType
		err = reg.ForEach(func(t *typeinfo.ClassType) error {
			if name := viper.GetString("dump.class"); name != "" && t.Name != name {
				return nil
			}
			classes = append(classes, t)
			return nil
		})
		if err != nil {
			return err
		}
		if len(classes) == 0 {
			return fmt.Errorf("no matching classes in the database")
		}

		// Function table resolution is read-only on the store and the
		// program model, so fan out across classes.
		var mu sync.Mutex
		tables := make(map[int64][][]*program.Function, len(classes))
		eg, _ := errgroup.WithContext(cmd.Context())
		eg.SetLimit(8)
		for _, t := range classes {
			if !t.HasVtable() {
				continue
			}
			eg.Go(func() error {
				ft, err := vt.FunctionTables(t.VtableKey)
				if err != nil {
					return fmt.Errorf("resolving vtable of %s: %w", t.Name, err)
				}
				mu.Lock()
				tables[t.Key] = ft
				mu.Unlock()
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return err
		}

		sort.Slice(classes, func(i, j int) bool { return classes[i].Addr < classes[j].Addr })
		for _, t := range classes {
			dumpClass(reg, t, tables[t.Key])
		}
		return nil
	},
}

func dumpClass(reg *typeinfo.Registry, t *typeinfo.ClassType, tables [][]*program.Function) {
	bold := color.New(color.Bold).SprintFunc()
	faint := color.New(color.Faint).SprintFunc()

	fmt.Printf("\n%s %s\n", bold("class"), bold(t.Name))

	s, err := reg.ClassDataType(t.Key)
	if err != nil {
		fmt.Printf("  %s\n", faint(fmt.Sprintf("no layout: %v", err)))
	} else {
		for _, f := range s.Fields() {
			fmt.Printf("  /* %#06x */ %-24s %s\n", f.Offset, f.Type.TypeName(), f.Name)
		}
		fmt.Printf("  %s\n", faint(fmt.Sprintf("/* size %#x */", s.Length())))
	}

	for i, table := range tables {
		fmt.Printf("  %s\n", faint(fmt.Sprintf("vftable[%d]:", i)))
		for j, fn := range table {
			name := faint("<pure virtual or unresolved>")
			if fn != nil {
				name = fn.Name
			}
			fmt.Printf("    [%3d] %s\n", j, name)
		}
	}
}
