package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

var (
	writeAddr   uint16
	writeValues []string
	andMask     string
	orMask      string
)

var writeCmd = &cobra.Command{
	Use:     "write",
	Aliases: []string{"w"},
	Short:   "Write cells on a running server",
	Long:    `Write coils or holding registers on a Modbus TCP server.`,
}

// Write single coil (FC05)
var writeCoilCmd = &cobra.Command{
	Use:     "coil",
	Aliases: []string{"c"},
	Short:   "Write single coil (FC05)",
	Long: `Write a single coil using function code 05.

Value can be: 1, 0, true, false, on, off`,
	Example: `  modbusd write coil -a 0 -V 1
  modbusd w c -a 100 -V on`,
	RunE: runWriteCoil,
}

// Write multiple coils (FC15)
var writeCoilsCmd = &cobra.Command{
	Use:     "coils",
	Aliases: []string{"cs"},
	Short:   "Write multiple coils (FC15)",
	Example: `  modbusd write coils -a 0 -V 1,0,1,1,0`,
	RunE:    runWriteCoils,
}

// Write single register (FC06)
var writeRegisterCmd = &cobra.Command{
	Use:     "register",
	Aliases: []string{"reg", "r"},
	Short:   "Write single register (FC06)",
	Long: `Write a single holding register using function code 06.

Value can be decimal, hexadecimal (0x prefix), or binary (0b prefix).`,
	Example: `  modbusd write register -a 0 -V 1234
  modbusd w r -a 100 -V 0xFF00`,
	RunE: runWriteRegister,
}

// Write multiple registers (FC16)
var writeRegistersCmd = &cobra.Command{
	Use:     "registers",
	Aliases: []string{"regs", "rs"},
	Short:   "Write multiple registers (FC16)",
	Example: `  modbusd write registers -a 0 -V 100,200,300`,
	RunE:    runWriteRegisters,
}

// Mask write register (FC22)
var writeMaskCmd = &cobra.Command{
	Use:   "mask",
	Short: "Mask write register (FC22)",
	Long: `Modify one holding register using function code 22:
result = (current AND and-mask) OR (or-mask AND NOT and-mask)`,
	Example: `  modbusd write mask -a 4 --and 0xF2 --or 0x25`,
	RunE:    runWriteMask,
}

func init() {
	writeCmd.AddCommand(writeCoilCmd)
	writeCmd.AddCommand(writeCoilsCmd)
	writeCmd.AddCommand(writeRegisterCmd)
	writeCmd.AddCommand(writeRegistersCmd)
	writeCmd.AddCommand(writeMaskCmd)

	for _, cmd := range []*cobra.Command{writeCoilCmd, writeCoilsCmd, writeRegisterCmd, writeRegistersCmd} {
		cmd.Flags().Uint16VarP(&writeAddr, "address", "a", 0, "Starting address")
		cmd.Flags().StringSliceVarP(&writeValues, "values", "V", nil, "Values to write")
		cmd.MarkFlagRequired("values")
	}

	writeMaskCmd.Flags().Uint16VarP(&writeAddr, "address", "a", 0, "Register address")
	writeMaskCmd.Flags().StringVar(&andMask, "and", "0xFFFF", "AND mask")
	writeMaskCmd.Flags().StringVar(&orMask, "or", "0x0000", "OR mask")
}

func runWriteCoil(cmd *cobra.Command, args []string) error {
	if len(writeValues) == 0 {
		return fmt.Errorf("value required")
	}
	value, err := parseBoolValue(writeValues[0])
	if err != nil {
		return fmt.Errorf("invalid coil value: %w", err)
	}

	return withClient(cmd, func(ctx context.Context, c clientConn) error {
		if err := c.WriteSingleCoil(ctx, writeAddr, value); err != nil {
			return fmt.Errorf("write coil failed: %w", err)
		}
		outputSuccess(cmd.OutOrStdout(), "Wrote coil %d = %v", writeAddr, value)
		return nil
	})
}

func runWriteCoils(cmd *cobra.Command, args []string) error {
	values, err := parseBoolValues(writeValues)
	if err != nil {
		return fmt.Errorf("invalid coil values: %w", err)
	}
	if len(values) == 0 {
		return fmt.Errorf("at least one value required")
	}

	return withClient(cmd, func(ctx context.Context, c clientConn) error {
		if err := c.WriteMultipleCoils(ctx, writeAddr, values); err != nil {
			return fmt.Errorf("write coils failed: %w", err)
		}
		outputSuccess(cmd.OutOrStdout(), "Wrote %d coils starting at %d", len(values), writeAddr)
		return nil
	})
}

func runWriteRegister(cmd *cobra.Command, args []string) error {
	if len(writeValues) == 0 {
		return fmt.Errorf("value required")
	}
	value, err := parseUint16Value(writeValues[0])
	if err != nil {
		return fmt.Errorf("invalid register value: %w", err)
	}

	return withClient(cmd, func(ctx context.Context, c clientConn) error {
		if err := c.WriteSingleRegister(ctx, writeAddr, value); err != nil {
			return fmt.Errorf("write register failed: %w", err)
		}
		outputSuccess(cmd.OutOrStdout(), "Wrote register %d = %d (0x%04X)", writeAddr, value, value)
		return nil
	})
}

func runWriteRegisters(cmd *cobra.Command, args []string) error {
	values, err := parseUint16Values(writeValues)
	if err != nil {
		return fmt.Errorf("invalid register values: %w", err)
	}
	if len(values) == 0 {
		return fmt.Errorf("at least one value required")
	}

	return withClient(cmd, func(ctx context.Context, c clientConn) error {
		if err := c.WriteMultipleRegisters(ctx, writeAddr, values); err != nil {
			return fmt.Errorf("write registers failed: %w", err)
		}
		outputSuccess(cmd.OutOrStdout(), "Wrote %d registers starting at %d", len(values), writeAddr)
		return nil
	})
}

func runWriteMask(cmd *cobra.Command, args []string) error {
	and, err := parseUint16Value(andMask)
	if err != nil {
		return fmt.Errorf("invalid and mask: %w", err)
	}
	or, err := parseUint16Value(orMask)
	if err != nil {
		return fmt.Errorf("invalid or mask: %w", err)
	}

	return withClient(cmd, func(ctx context.Context, c clientConn) error {
		if err := c.MaskWriteRegister(ctx, writeAddr, and, or); err != nil {
			return fmt.Errorf("mask write failed: %w", err)
		}
		outputSuccess(cmd.OutOrStdout(), "Masked register %d with and=0x%04X or=0x%04X", writeAddr, and, or)
		return nil
	})
}

// clientConn is the part of the client the write commands use.
type clientConn interface {
	WriteSingleCoil(ctx context.Context, addr uint16, value bool) error
	WriteMultipleCoils(ctx context.Context, addr uint16, values []bool) error
	WriteSingleRegister(ctx context.Context, addr, value uint16) error
	WriteMultipleRegisters(ctx context.Context, addr uint16, values []uint16) error
	MaskWriteRegister(ctx context.Context, addr, andMask, orMask uint16) error
}

func withClient(cmd *cobra.Command, fn func(ctx context.Context, c clientConn) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	client, err := connectClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()
	return fn(ctx, client)
}

func parseBoolValue(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "on", "yes":
		return true, nil
	case "0", "false", "off", "no":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean value: %s", s)
	}
}

func parseBoolValues(values []string) ([]bool, error) {
	var result []bool
	for _, v := range splitValues(values) {
		b, err := parseBoolValue(v)
		if err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	return result, nil
}

func parseUint16Value(s string) (uint16, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	base := 10
	switch {
	case strings.HasPrefix(s, "0x"):
		s, base = s[2:], 16
	case strings.HasPrefix(s, "0b"):
		s, base = s[2:], 2
	}
	v, err := strconv.ParseUint(s, base, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}

func parseUint16Values(values []string) ([]uint16, error) {
	var result []uint16
	for _, v := range splitValues(values) {
		n, err := parseUint16Value(v)
		if err != nil {
			return nil, err
		}
		result = append(result, n)
	}
	return result, nil
}

// splitValues accepts both "-V 1,2 -V 3" and "-V '1 2 3'".
func splitValues(values []string) []string {
	var out []string
	for _, v := range values {
		out = append(out, strings.Fields(v)...)
	}
	return out
}
