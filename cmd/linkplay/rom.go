package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/younwookim/linkplay/internal/infrastructure/config"
	"github.com/younwookim/linkplay/internal/infrastructure/romid"
)

// runROM identifies a cartridge image, archived or not, and reports
// whether a hook table supports it.
func runROM(s config.Settings, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("usage: linkplay rom <file>")
	}
	img, err := romid.Open(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s: %s\n", img.Name, img.Identity)
	if !img.HeaderOK {
		fmt.Fprintln(out, "warning: header checksum mismatch")
	}

	mode, err := hookMode(s)
	if err != nil {
		return err
	}
	reg, err := loadRegistry(s)
	if err != nil {
		return err
	}
	table, err := img.Resolve(reg, mode)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "supported: %s (%s)\n", table.Title(), table.ID())
	return nil
}
