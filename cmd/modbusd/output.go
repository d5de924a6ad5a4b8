package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
)

// BoolResult is one bit cell in json output.
type BoolResult struct {
	Address uint16 `json:"address"`
	Value   bool   `json:"value"`
}

// RegisterResult is one register cell in json output.
type RegisterResult struct {
	Address uint16 `json:"address"`
	Value   uint16 `json:"value"`
	Signed  int16  `json:"signed"`
	Hex     string `json:"hex"`
}

func outputSuccess(w io.Writer, format string, args ...interface{}) {
	fmt.Fprintln(w, "OK "+fmt.Sprintf(format, args...))
}

func outputBoolValues(w io.Writer, format, title string, startAddr uint16, values []bool) error {
	switch format {
	case "json":
		return outputBoolJSON(w, startAddr, values)
	case "csv":
		return outputBoolCSV(w, startAddr, values)
	case "raw":
		return outputBoolRaw(w, values)
	case "hex":
		return outputBoolHex(w, values)
	case "table", "":
		return outputBoolTable(w, title, startAddr, values)
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func outputBoolTable(w io.Writer, title string, startAddr uint16, values []bool) error {
	fmt.Fprintf(w, "\n%s (Address %d-%d, Count: %d)\n",
		title, startAddr, int(startAddr)+len(values)-1, len(values))
	fmt.Fprintln(w, strings.Repeat("-", 40))

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tVALUE\tSTATUS")
	fmt.Fprintln(tw, "-------\t-----\t------")
	for i, v := range values {
		val, status := "0", "OFF"
		if v {
			val, status = "1", "ON"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\n", int(startAddr)+i, val, status)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintln(w)
	return nil
}

func outputBoolJSON(w io.Writer, startAddr uint16, values []bool) error {
	results := make([]BoolResult, len(values))
	for i, v := range values {
		results[i] = BoolResult{Address: startAddr + uint16(i), Value: v}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}

func outputBoolCSV(w io.Writer, startAddr uint16, values []bool) error {
	cw := csv.NewWriter(w)
	cw.Write([]string{"address", "value"})
	for i, v := range values {
		val := "0"
		if v {
			val = "1"
		}
		cw.Write([]string{strconv.Itoa(int(startAddr) + i), val})
	}
	cw.Flush()
	return cw.Error()
}

func outputBoolRaw(w io.Writer, values []bool) error {
	var sb strings.Builder
	for _, v := range values {
		if v {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	}
	_, err := fmt.Fprintln(w, sb.String())
	return err
}

// outputBoolHex prints the values packed the way they travel on the wire.
func outputBoolHex(w io.Writer, values []bool) error {
	packed := make([]byte, (len(values)+7)/8)
	for i, v := range values {
		if v {
			packed[i/8] |= 1 << (i % 8)
		}
	}
	parts := make([]string, len(packed))
	for i, b := range packed {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	_, err := fmt.Fprintln(w, strings.Join(parts, " "))
	return err
}

func outputRegisterValues(w io.Writer, format, title string, startAddr uint16, values []uint16) error {
	switch format {
	case "json":
		return outputRegisterJSON(w, startAddr, values)
	case "csv":
		return outputRegisterCSV(w, startAddr, values)
	case "raw":
		return outputRegisterRaw(w, values)
	case "hex":
		return outputRegisterHex(w, values)
	case "table", "":
		return outputRegisterTable(w, title, startAddr, values)
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func outputRegisterTable(w io.Writer, title string, startAddr uint16, values []uint16) error {
	fmt.Fprintf(w, "\n%s (Address %d-%d, Count: %d)\n",
		title, startAddr, int(startAddr)+len(values)-1, len(values))
	fmt.Fprintln(w, strings.Repeat("-", 60))

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tDECIMAL\tSIGNED\tHEX\tBINARY")
	fmt.Fprintln(tw, "-------\t-------\t------\t---\t------")
	for i, v := range values {
		fmt.Fprintf(tw, "%d\t%d\t%d\t0x%04X\t%016b\n", int(startAddr)+i, v, int16(v), v, v)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintln(w)
	return nil
}

func outputRegisterJSON(w io.Writer, startAddr uint16, values []uint16) error {
	results := make([]RegisterResult, len(values))
	for i, v := range values {
		results[i] = RegisterResult{
			Address: startAddr + uint16(i),
			Value:   v,
			Signed:  int16(v),
			Hex:     fmt.Sprintf("0x%04X", v),
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}

func outputRegisterCSV(w io.Writer, startAddr uint16, values []uint16) error {
	cw := csv.NewWriter(w)
	cw.Write([]string{"address", "value", "hex"})
	for i, v := range values {
		cw.Write([]string{strconv.Itoa(int(startAddr) + i), strconv.Itoa(int(v)), fmt.Sprintf("0x%04X", v)})
	}
	cw.Flush()
	return cw.Error()
}

func outputRegisterRaw(w io.Writer, values []uint16) error {
	for _, v := range values {
		if _, err := fmt.Fprintf(w, "%d\n", v); err != nil {
			return err
		}
	}
	return nil
}

func outputRegisterHex(w io.Writer, values []uint16) error {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprintf("%04X", v)
	}
	_, err := fmt.Fprintln(w, strings.Join(parts, " "))
	return err
}

// spaceTitle turns a space name such as holding_registers into a table heading.
func spaceTitle(name string) string {
	words := strings.Split(name, "_")
	for i, word := range words {
		if word != "" {
			words[i] = strings.ToUpper(word[:1]) + word[1:]
		}
	}
	return strings.Join(words, " ")
}
