package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
)

const modulePath = "lockstep/server"

type packageInfo struct {
	ImportPath string
	Imports    []string
}

// rule forbids packages under From from importing packages under any of
// Forbidden.
type rule struct {
	From      []string
	Forbidden []string
}

// The turn core stays transport agnostic, the wire layers never reach into
// either endpoint, and the two endpoints only meet over the wire.
var rules = []rule{
	{
		From:      []string{"internal/sim", "internal/turn", "internal/replay", "internal/journal"},
		Forbidden: []string{"internal/net", "internal/netserver", "internal/netclient"},
	},
	{
		From:      []string{"internal/net/proto", "internal/net/transport", "internal/net/intake", "internal/net/ws"},
		Forbidden: []string{"internal/netserver", "internal/netclient"},
	},
	{
		From:      []string{"internal/netserver"},
		Forbidden: []string{"internal/netclient"},
	},
	{
		From:      []string{"internal/netclient"},
		Forbidden: []string{"internal/netserver"},
	},
}

func main() {
	cmd := exec.Command("go", "list", "-json", "./...")
	cmd.Env = os.Environ()
	output, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			os.Stderr.Write(exitErr.Stderr)
		}
		fmt.Fprintf(os.Stderr, "depscheck: failed to list packages: %v\n", err)
		os.Exit(1)
	}

	violations, err := check(bytes.NewReader(output), rules)
	if err != nil {
		fmt.Fprintf(os.Stderr, "depscheck: failed to decode package info: %v\n", err)
		os.Exit(1)
	}
	if len(violations) > 0 {
		fmt.Fprintln(os.Stderr, "depscheck: found forbidden imports:")
		for _, violation := range violations {
			fmt.Fprintf(os.Stderr, "  %s\n", violation)
		}
		os.Exit(1)
	}
}

func check(r io.Reader, rules []rule) ([]string, error) {
	decoder := json.NewDecoder(r)
	var violations []string
	for {
		var pkg packageInfo
		if err := decoder.Decode(&pkg); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		for _, rl := range rules {
			if !within(pkg.ImportPath, rl.From) {
				continue
			}
			for _, imp := range pkg.Imports {
				if within(imp, rl.Forbidden) {
					violations = append(violations, fmt.Sprintf("%s -> %s", pkg.ImportPath, imp))
				}
			}
		}
	}
	sort.Strings(violations)
	return violations, nil
}

// within reports whether path is one of roots or nested below one. The
// root internal/net matches its subpackages but not internal/netserver.
func within(path string, roots []string) bool {
	for _, root := range roots {
		full := modulePath + "/" + root
		if path == full || strings.HasPrefix(path, full+"/") {
			return true
		}
	}
	return false
}
