package main

import (
	"fmt"
	"os"

	modbus "github.com/edgeo-scada/modbusd"
	"github.com/spf13/cobra"
)

var (
	dumpStartAddr uint16
	dumpCount     int
	dumpOutFile   string
)

var dumpCmd = &cobra.Command{
	Use:   "dump <store-file> <space>",
	Short: "Print a space of a persisted register store",
	Long: `Print cells of a register store file written by "serve --persistence file",
"serve --persistence mmap" or "serve --snapshot-file". The file is only read,
so a running server is not disturbed.

Space is one of coils (c), discrete-inputs (di), holding-registers (hr) or
input-registers (ir).`,
	Example: `  modbusd dump regs.bin hr
  modbusd dump regs.bin coils -a 0 -c 16 -o json
  modbusd dump regs.bin ir -o csv -f input.csv`,
	Args: cobra.ExactArgs(2),
	RunE: runDump,
}

func init() {
	dumpCmd.Flags().Uint16VarP(&dumpStartAddr, "start", "a", 0, "Start address")
	dumpCmd.Flags().IntVarP(&dumpCount, "count", "c", 0, "Number of cells (default: to the end of the space)")
	dumpCmd.Flags().StringVarP(&dumpOutFile, "file", "f", "", "Output file (default: stdout)")
}

func runDump(cmd *cobra.Command, args []string) error {
	snap, err := modbus.ReadSnapshotFile(args[0])
	if err != nil {
		return err
	}
	sp, err := modbus.ParseSpace(args[1])
	if err != nil {
		return err
	}

	cells := snap.Get(sp)
	start := int(dumpStartAddr)
	if start > len(cells) {
		return fmt.Errorf("start address %d beyond %s capacity %d", start, sp, len(cells))
	}
	end := len(cells)
	if dumpCount > 0 && start+dumpCount < end {
		end = start + dumpCount
	}
	cells = cells[start:end]

	out := cmd.OutOrStdout()
	if dumpOutFile != "" {
		f, err := os.Create(dumpOutFile)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		out = f
	}

	title := spaceTitle(sp.String())
	if sp.IsBit() {
		bits := make([]bool, len(cells))
		for i, c := range cells {
			bits[i] = c != 0
		}
		return outputBoolValues(out, outputFmt, title, dumpStartAddr, bits)
	}
	return outputRegisterValues(out, outputFmt, title, dumpStartAddr, cells)
}
