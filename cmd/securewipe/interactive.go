package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"securewipe/internal/cli"
	"securewipe/internal/system"
)

var interactiveCmd = &cobra.Command{
	Use:   "interactive",
	Short: "Menu-driven mode",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return NewInteractiveMenu(os.Stdin, os.Stdout).Run()
	},
}

func init() {
	rootCmd.AddCommand(interactiveCmd)
}

// InteractiveMenu drives the subcommands from a numbered menu.
type InteractiveMenu struct {
	in  *bufio.Reader
	out io.Writer
}

func NewInteractiveMenu(in io.Reader, out io.Writer) *InteractiveMenu {
	return &InteractiveMenu{in: bufio.NewReader(in), out: out}
}

// Run shows the main menu until the operator exits or input ends.
func (im *InteractiveMenu) Run() error {
	for {
		fmt.Fprintln(im.out, "==========================================")
		fmt.Fprintf(im.out, "    %s %s\n", AppName, Version)
		fmt.Fprintln(im.out, "==========================================")
		fmt.Fprintln(im.out, "1. List devices")
		fmt.Fprintln(im.out, "2. Probe a device")
		fmt.Fprintln(im.out, "3. Erase a device")
		fmt.Fprintln(im.out, "4. Verify a certificate")
		fmt.Fprintln(im.out, "5. Diagnostics")
		fmt.Fprintln(im.out, "6. Exit")

		choice, ok := im.prompt("Choose an option (1-6): ")
		if !ok {
			return nil
		}
		var err error
		switch choice {
		case "1":
			err = runList(listCmd, nil)
		case "2":
			if path, ok := im.prompt("Device: "); ok && path != "" {
				err = runProbe(probeCmd, []string{path})
			}
		case "3":
			err = im.erase()
		case "4":
			if path, ok := im.prompt("Certificate file: "); ok && path != "" {
				err = runCertificateVerify(certificateVerifyCmd, []string{path})
			}
		case "5":
			err = runDiagnose(diagnoseCmd, nil)
		case "6":
			return nil
		default:
			fmt.Fprintln(im.out, "Invalid choice.")
		}
		if err != nil {
			fmt.Fprintf(im.out, "Error: %v\n", err)
		}
		fmt.Fprintln(im.out)
	}
}

// erase confirms on the menu's own reader, then runs the erase command
// without its prompt.
func (im *InteractiveMenu) erase() error {
	path, ok := im.prompt("Device: ")
	if !ok || path == "" {
		return nil
	}
	info, err := resolveDevice(path)
	if err != nil {
		return err
	}
	if !cli.Confirm(im.in, im.out, []system.DiskInfo{info}) {
		fmt.Fprintln(im.out, "Cancelled.")
		return nil
	}
	if err := eraseCmd.Flags().Set("yes", "true"); err != nil {
		return err
	}
	return runErase(eraseCmd, []string{path})
}

func (im *InteractiveMenu) prompt(message string) (string, bool) {
	fmt.Fprint(im.out, message)
	line, err := im.in.ReadString('\n')
	if err != nil && line == "" {
		return "", false
	}
	return strings.TrimSpace(line), true
}
