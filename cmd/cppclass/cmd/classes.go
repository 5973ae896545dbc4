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

	"github.com/apex/log"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/binrec/cppclass/internal/config"
	"github.com/binrec/cppclass/pkg/hierarchy"
	"github.com/binrec/cppclass/pkg/typeinfo"
	"github.com/binrec/cppclass/pkg/vtable"
)

func init() {
	rootCmd.AddCommand(classesCmd)

	classesCmd.Flags().Bool("abstract", false, "Only list abstract classes")
	viper.BindPFlag("classes.abstract", classesCmd.Flags().Lookup("abstract"))
}

// classesCmd represents the classes command
var classesCmd = &cobra.Command{
	Use:           "classes",
	Short:         "List the classes in the database",
	Args:          cobra.NoArgs,
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

		reg, err := typeinfo.NewRegistry(db, nil)
		if err != nil {
			return err
		}
		vt := vtable.NewModel(db, reg, nil)
		res := hierarchy.NewResolver(reg, vt)

		abstractOnly := viper.GetBool("classes.abstract")
		bold := color.New(color.Bold).SprintFunc()
		faint := color.New(color.Faint).SprintFunc()

		var n int
		err = reg.ForEach(func(t *typeinfo.ClassType) error {
			abstract, err := res.IsAbstract(t.Key)
			if err != nil {
				log.WithField("class", t.Name).Debugf("abstractness unknown: %v", err)
			}
			if abstractOnly && !abstract {
				return nil
			}
			n++
			tag := ""
			if abstract {
				tag = " (abstract)"
			}
			vtab := faint("no vtable")
			if t.HasVtable() {
				vtab = fmt.Sprintf("vtable %d", t.VtableKey)
			}
			fmt.Printf("%#09x: %s%s [%s] %d base(s), %s\n",
				t.Addr, bold(t.Name), tag, t.Scheme, len(t.Bases.Keys), vtab)
			return nil
		})
		if err != nil {
			return err
		}
		fmt.Printf("\n%d classes\n", n)
		return nil
	},
}
