// Package command builds the command lines handed to the device scripts.
package command

import (
	"fmt"
	"strconv"
	"strings"
)

// Verbs understood by the printer script.
const (
	VerbStatus  = "getstatus"
	VerbFiles   = "getfile"
	VerbSysInfo = "sysinfo"
	VerbWiFi    = "getwifi"
	VerbPause   = "gopause"
	VerbResume  = "goresume"
	VerbStop    = "gostop"
	VerbPrint   = "goprint"
)

// endMarker terminates verbs that take arguments.
const endMarker = "end"

// Command is a logical request for one external script run. It is a value
// type and is never mutated after construction.
type Command struct {
	Script  string
	Address string
	Port    int
	Verb    string
	Args    []string
	// Raw replaces the -i/-c contract for scripts with their own flags.
	Raw []string
}

// Device builds a printer command: <script> -i <address> -c <verb[,arg...]>.
func Device(script, address, verb string, args ...string) Command {
	return Command{
		Script:  script,
		Address: address,
		Verb:    verb,
		Args:    append([]string(nil), args...),
	}
}

// Script builds a command for a script that takes its own flags.
func Script(script string, flags ...string) Command {
	return Command{Script: script, Raw: append([]string{}, flags...)}
}

// WithPort returns a copy that passes -p <port> to the printer script.
func (c Command) WithPort(port int) Command {
	c.Port = port
	return c
}

// Status queries printer state.
func Status(script, address string) Command { return Device(script, address, VerbStatus) }

// Pause pauses the current print.
func Pause(script, address string) Command { return Device(script, address, VerbPause) }

// Resume resumes a paused print.
func Resume(script, address string) Command { return Device(script, address, VerbResume) }

// Stop ends the current print.
func Stop(script, address string) Command { return Device(script, address, VerbStop, endMarker) }

// Files lists the print files stored on the printer.
func Files(script, address string) Command { return Device(script, address, VerbFiles) }

// Print starts printing a stored file by its internal name.
func Print(script, address, internalName string) Command {
	return Device(script, address, VerbPrint, internalName, endMarker)
}

// MultiMaterial runs the print manager against a recipe file.
func MultiMaterial(script, recipePath, address string) Command {
	c := Script(script, "--recipe", recipePath, "--printer-ip", address)
	c.Address = address
	return c
}

// Pump runs one pump for a fixed time.
func Pump(script string, p PumpRun) Command {
	return Script(script,
		"--motor", string(p.Motor),
		"--direction", string(p.Direction),
		"--seconds", strconv.Itoa(p.Seconds),
	)
}

// IsStatus reports whether the command is a printer status query.
func (c Command) IsStatus() bool { return c.Raw == nil && c.Verb == VerbStatus }

// Payload is the -c argument: the verb and its arguments joined by commas.
func (c Command) Payload() string {
	if len(c.Args) == 0 {
		return c.Verb
	}
	return c.Verb + "," + strings.Join(c.Args, ",")
}

// Argv returns the interpreter arguments, script path first.
func (c Command) Argv() []string {
	if c.Raw != nil {
		return append([]string{c.Script}, c.Raw...)
	}
	argv := []string{c.Script, "-i", c.Address, "-c", c.Payload()}
	if c.Port > 0 {
		argv = append(argv, "-p", strconv.Itoa(c.Port))
	}
	return argv
}

// Name is a short label for logs and history rows.
func (c Command) Name() string {
	if c.Raw != nil {
		return baseName(c.Script)
	}
	return c.Verb
}

// Line renders the command as it would be typed, for the log view.
func (c Command) Line(interpreter string) string {
	parts := append([]string{interpreter}, c.Argv()...)
	for i, p := range parts {
		if p == "" || strings.ContainsAny(p, " \t\"'") {
			parts[i] = strconv.Quote(p)
		}
	}
	return strings.Join(parts, " ")
}

// Validate rejects commands that cannot produce a meaningful argv.
func (c Command) Validate() error {
	if c.Script == "" {
		return fmt.Errorf("script path is empty")
	}
	if c.Raw != nil {
		return nil
	}
	if c.Address == "" {
		return fmt.Errorf("device address is empty")
	}
	if c.Verb == "" {
		return fmt.Errorf("verb is empty")
	}
	if strings.ContainsAny(c.Verb, ", ") {
		return fmt.Errorf("verb %q must not contain commas or spaces", c.Verb)
	}
	for _, a := range c.Args {
		if strings.Contains(a, ",") {
			return fmt.Errorf("argument %q must not contain commas", a)
		}
	}
	return nil
}

func baseName(p string) string {
	if i := strings.LastIndexAny(p, `/\`); i >= 0 {
		return p[i+1:]
	}
	return p
}
