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
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/apex/log"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/binrec/cppclass/internal/config"
	"github.com/binrec/cppclass/pkg/analyzer"
	"github.com/binrec/cppclass/pkg/hierarchy"
	"github.com/binrec/cppclass/pkg/program"
	"github.com/binrec/cppclass/pkg/typeinfo"
	"github.com/binrec/cppclass/pkg/vtable"
)

func init() {
	rootCmd.AddCommand(analyzeCmd)

	analyzeCmd.Flags().StringP("classes", "c", "", "JSON file of discovered RTTI descriptors to import")
	analyzeCmd.Flags().Bool("constructors", false, "Label constructors/destructors through vtable slot 0")
	analyzeCmd.Flags().Bool("fill-fields", false, "Discover member sub-objects from destructor dataflow")
	analyzeCmd.MarkFlagFilename("classes", "json")
	viper.BindPFlag("analyze.classes", analyzeCmd.Flags().Lookup("classes"))
	viper.BindPFlag("analyze.constructors", analyzeCmd.Flags().Lookup("constructors"))
	viper.BindPFlag("analyze.fill-fields", analyzeCmd.Flags().Lookup("fill-fields"))
}

// classFile is the import format for externally discovered RTTI descriptors:
// one entry per class, bases referenced by type name, plus the raw vtable
// prefix tables where a vtable was found.
type classFile struct {
	Classes []classEntry `json:"classes"`
}

type classEntry struct {
	Addr   string        `json:"addr"`
	Name   string        `json:"name"`
	Scheme string        `json:"scheme"`
	Bases  []baseEntry   `json:"bases,omitempty"`
	Vtable []prefixEntry `json:"vtable,omitempty"`
}

type baseEntry struct {
	Name    string `json:"name"`
	Offset  int64  `json:"offset"`
	Virtual bool   `json:"virtual,omitempty"`
}

type prefixEntry struct {
	Addr      string   `json:"addr"`
	Offsets   []int64  `json:"offsets"`
	Functions []string `json:"functions"`
}

// analyzeCmd represents the analyze command
var analyzeCmd = &cobra.Command{
	Use:           "analyze <SNAPSHOT>",
	Short:         "Run the class reconstruction pass over a program snapshot",
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
		bld := hierarchy.NewBuilder(reg, res, vt, prog)

		if path := viper.GetString("analyze.classes"); path != "" {
			if err := importClasses(path, reg, vt); err != nil {
				return fmt.Errorf("failed to import classes: %w", err)
			}
		}

		a := analyzer.New(reg, vt, res, bld, prog, prog.NewPropagator, analyzer.Options{
			LocateConstructors: viper.GetBool("analyze.constructors") || cfg.Analysis.LocateConstructors,
			FillClassFields:    viper.GetBool("analyze.fill-fields") || cfg.Analysis.FillClassFields,
		})
		c, err := a.Run(cmd.Context())
		if err != nil {
			return err
		}

		bold := color.New(color.Bold).SprintFunc()
		fmt.Printf("%s %d classes, %d vtables, %d structures, %d members discovered\n",
			bold("analyzed:"), c.Classes, c.VtablesValidated, c.StructuresBuilt, c.MembersAdded)
		return nil
	},
}

// importClasses registers every descriptor in the file, resolving base
// references by name in a second pass so declaration order does not matter.
func importClasses(path string, reg *typeinfo.Registry, vt *vtable.Model) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var cf classFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}

	keys := make(map[string]int64, len(cf.Classes))
	for _, ce := range cf.Classes {
		scheme, err := typeinfo.ParseScheme(ce.Scheme)
		if err != nil {
			return fmt.Errorf("class %s: %w", ce.Name, err)
		}
		addr, err := parseAddr(ce.Addr)
		if err != nil {
			return fmt.Errorf("class %s: %w", ce.Name, err)
		}
		key, err := reg.Register(typeinfo.Descriptor{
			Addr:     addr,
			TypeName: ce.Name,
			Scheme:   scheme,
		})
		if err != nil {
			return err
		}
		keys[ce.Name] = key
	}

	for _, ce := range cf.Classes {
		key := keys[ce.Name]
		if len(ce.Bases) > 0 {
			var bd typeinfo.BaseData
			for _, be := range ce.Bases {
				bk, ok := keys[be.Name]
				if !ok {
					return fmt.Errorf("class %s: unknown base %q", ce.Name, be.Name)
				}
				bd.Keys = append(bd.Keys, bk)
				bd.Offsets = append(bd.Offsets, be.Offset)
				bd.Virtual = append(bd.Virtual, be.Virtual)
			}
			if err := reg.UpdateBases(key, bd); err != nil {
				return fmt.Errorf("class %s: %w", ce.Name, err)
			}
		}
		if len(ce.Vtable) > 0 {
			prefixes := make([]vtable.Prefix, 0, len(ce.Vtable))
			for _, pe := range ce.Vtable {
				addr, err := parseAddr(pe.Addr)
				if err != nil {
					return fmt.Errorf("class %s vtable: %w", ce.Name, err)
				}
				funcs := make([]uint64, 0, len(pe.Functions))
				for _, fs := range pe.Functions {
					fa, err := parseAddr(fs)
					if err != nil {
						return fmt.Errorf("class %s vtable: %w", ce.Name, err)
					}
					funcs = append(funcs, fa)
				}
				prefixes = append(prefixes, vtable.Prefix{
					Addr: addr, Offsets: pe.Offsets, Functions: funcs,
				})
			}
			vk, err := vt.Create(key, prefixes)
			if err != nil {
				return fmt.Errorf("class %s: %w", ce.Name, err)
			}
			if err := reg.SetVtable(key, vk); err != nil {
				return err
			}
		}
	}
	log.Infof("imported %d classes", len(cf.Classes))
	return nil
}

func parseAddr(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return v, nil
}
